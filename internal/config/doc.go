// Package config loads the JSON configuration of the PoF vault daemon and
// fills in defaults for every section left empty.
package config
