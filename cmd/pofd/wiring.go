package main

import (
	"context"
	"fmt"
	"strconv"

	"PoF-Vault/internal/allowlist"
	"PoF-Vault/internal/config"
	"PoF-Vault/internal/custody"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/observability/alerting"
)

func openStore(ctx context.Context, cfg config.StorageConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "pebble":
		return ledger.NewPebbleStore(cfg.Pebble)
	case "mysql":
		return ledger.NewMySQLStore(ctx, cfg.MySQL)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openCustodian(ctx context.Context, cfg config.CustodyConfig) (custody.Custodian, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return custody.NewMemoryCustodian(), func() {}, nil
	case "erc20":
		c, closeFn, err := custody.DialERC20Custodian(ctx, cfg.ERC20)
		if err != nil {
			return nil, nil, err
		}
		return c, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("未知的托管驱动: %s", cfg.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	var publishers events.Fanout
	for _, driver := range cfg.Drivers {
		var (
			p   events.Publisher
			err error
		)
		switch driver {
		case "memory":
			p = events.NewMemoryPublisher()
		case "redis":
			p, err = events.NewRedisPublisher(ctx, cfg.Redis)
		case "rabbitmq":
			p, err = events.NewRabbitMQPublisher(cfg.RabbitMQ)
		default:
			err = fmt.Errorf("未知的事件驱动: %s", driver)
		}
		if err != nil {
			_ = publishers.Close()
			return nil, err
		}
		publishers = append(publishers, p)
	}
	if len(publishers) == 1 {
		return publishers[0], nil
	}
	return publishers, nil
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.Webhook != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Webhook, Headers: cfg.Headers})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// allowlistEmitter 将名单变更转换为 AllowlistChanged 事件。
func allowlistEmitter(emitter events.Emitter) allowlist.Observer {
	return func(ctx context.Context, change allowlist.Change) {
		emitter.Emit(ctx, events.New(events.TypeAllowlistChanged, 0, map[string]string{
			"list":    change.List,
			"subject": change.Subject,
			"allowed": strconv.FormatBool(change.Allowed),
			"caller":  change.Caller.Hex(),
		}))
	}
}
