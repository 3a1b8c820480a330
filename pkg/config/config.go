package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Bootstrap struct {
	Kind        string   `toml:"kind"`
	DNSDomain   string   `toml:"dns-domain"`
	StaticPeers []string `toml:"static-peers"`
}

// Settings are the options of the run command. They are layered: built in
// defaults, then the config file, then flags and environment.
type Settings struct {
	ListenAddr        string    `toml:"listen-addr"`
	DataDir           string    `toml:"data-dir"`
	MetricsAddr       string    `toml:"metrics-addr"`
	Token             string    `toml:"token"`
	HeartbeatInterval Duration  `toml:"heartbeat-interval"`
	Bootstrap         Bootstrap `toml:"bootstrap"`
}

func Default() Settings {
	return Settings{
		ListenAddr:        ":4001",
		DataDir:           "data",
		MetricsAddr:       ":9090",
		HeartbeatInterval: Duration{30 * time.Second},
	}
}

// Load reads settings from a TOML file. Unknown keys are rejected.
func Load(fs afero.Fs, path string) (Settings, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	s := Settings{}
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	err = dec.Decode(&s)
	if err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return Settings{}, fmt.Errorf("invalid config %s: %s", path, strictErr.String())
		}
		return Settings{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return s, nil
}

// Merge overlays the layers in order. Non zero fields of later layers win.
func Merge(layers ...Settings) Settings {
	out := Settings{}
	for _, l := range layers {
		out.ListenAddr = overlay(out.ListenAddr, l.ListenAddr)
		out.DataDir = overlay(out.DataDir, l.DataDir)
		out.MetricsAddr = overlay(out.MetricsAddr, l.MetricsAddr)
		out.Token = overlay(out.Token, l.Token)
		out.HeartbeatInterval = overlay(out.HeartbeatInterval, l.HeartbeatInterval)
		out.Bootstrap.Kind = overlay(out.Bootstrap.Kind, l.Bootstrap.Kind)
		out.Bootstrap.DNSDomain = overlay(out.Bootstrap.DNSDomain, l.Bootstrap.DNSDomain)
		if len(l.Bootstrap.StaticPeers) > 0 {
			out.Bootstrap.StaticPeers = l.Bootstrap.StaticPeers
		}
	}
	return out
}

func (s Settings) Validate() error {
	errs := []error{}
	if s.ListenAddr == "" {
		errs = append(errs, errors.New("listen address cannot be empty"))
	}
	if s.DataDir == "" {
		errs = append(errs, errors.New("data directory cannot be empty"))
	}
	if s.HeartbeatInterval.Duration < 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval cannot be negative, got %s", s.HeartbeatInterval))
	}
	switch s.Bootstrap.Kind {
	case "":
	case "static":
		if len(s.Bootstrap.StaticPeers) == 0 {
			errs = append(errs, errors.New("static bootstrap requires at least one peer"))
		}
	case "dns":
		if s.Bootstrap.DNSDomain == "" {
			errs = append(errs, errors.New("dns bootstrap requires a domain"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bootstrap kind %s", s.Bootstrap.Kind))
	}
	return errors.Join(errs...)
}

func overlay[T comparable](current, next T) T {
	var zero T
	if next == zero {
		return current
	}
	return next
}
