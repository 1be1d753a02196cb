package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// ListOptions controls how records are selected when enumerating the ledger.
type ListOptions struct {
	Holder         common.Address
	Mode           Mode
	IncludeRevoked bool
	Limit          int
	Offset         int
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Mode != ModeEscrow && opts.Mode != ModeAttested {
		opts.Mode = ""
	}
}

func (opts ListOptions) matches(record *Record) bool {
	if record == nil {
		return false
	}
	if opts.Holder != (common.Address{}) && record.Holder != opts.Holder {
		return false
	}
	if opts.Mode != "" && record.Mode != opts.Mode {
		return false
	}
	if record.Revoked && !opts.IncludeRevoked {
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithHolder restricts the listing to records held by holder.
func WithHolder(holder common.Address) ListOption {
	return func(opts *ListOptions) {
		opts.Holder = holder
	}
}

// WithMode restricts the listing to one backing mode.
func WithMode(mode Mode) ListOption {
	return func(opts *ListOptions) {
		opts.Mode = mode
	}
}

// WithRevoked includes revoked records, which remain enumerable until burned.
func WithRevoked(include bool) ListOption {
	return func(opts *ListOptions) {
		opts.IncludeRevoked = include
	}
}

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching records.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// paginate applies offset and limit to records already sorted by id.
func paginate(records []*Record, opts ListOptions) []*Record {
	if opts.Offset >= len(records) {
		return []*Record{}
	}
	records = records[opts.Offset:]
	if len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records
}
