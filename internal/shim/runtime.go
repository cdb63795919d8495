package shim

import (
	"encoding/json"

	"github.com/funnyzak/replaytap/internal/keys"
	"github.com/funnyzak/replaytap/internal/mirror"
	"github.com/funnyzak/replaytap/internal/static"
)

// RuntimeConfig drives the in-page runtime. It is served as shim.json and
// prepended to runtime.js.
type RuntimeConfig struct {
	Origin         string            `json:"origin"`
	Base           string            `json:"base"`
	Mirror         map[string]string `json:"mirror"`
	Loose          map[string]string `json:"loose"`
	Volatile       []string          `json:"volatile"`
	SocketEndpoint string            `json:"socketEndpoint"`
	AliasPrefix    string            `json:"aliasPrefix"`
	ExternalAlias  bool              `json:"externalAlias"`
}

// NewRuntimeConfig collects what the runtime needs from the resolver and
// the normalizer. origin is the captured document origin.
func NewRuntimeConfig(origin string, r *mirror.Resolver, norm *keys.Normalizer, opts Options) *RuntimeConfig {
	exact, loose := r.Copies()
	if norm == nil {
		norm = keys.Default()
	}
	return &RuntimeConfig{
		Origin:         origin,
		Base:           opts.Base,
		Mirror:         exact,
		Loose:          loose,
		Volatile:       norm.Volatile(),
		SocketEndpoint: SocketPath,
		AliasPrefix:    AliasPrefix,
		ExternalAlias:  opts.ExternalAlias,
	}
}

// JSON encodes the configuration.
func (c *RuntimeConfig) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// Script renders the runtime with this configuration embedded.
func (c *RuntimeConfig) Script() ([]byte, error) {
	data, err := c.JSON()
	if err != nil {
		return nil, err
	}
	return static.Script(data), nil
}
