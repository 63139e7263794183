package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; the rest are
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PasswordChanged applies to requests and connections opened afterwards.
	PasswordChanged bool

	// PlayerChanged applies to players created afterwards and to the
	// playerUpdate tick.
	PlayerChanged bool

	// SessionChanged applies to sessions created afterwards and to the stats
	// broadcast period.
	SessionChanged bool

	// RestartRequired names sections whose changes take effect only after a
	// restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PasswordChanged && !d.PlayerChanged &&
		!d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.PasswordChanged = old.Server.Password != new.Server.Password
	d.PlayerChanged = old.Player != new.Player
	d.SessionChanged = old.Session != new.Session

	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	oldSrv.Password, newSrv.Password = "", ""
	if !serverEqual(oldSrv, newSrv) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !resolverEqual(old.Resolver, new.Resolver) {
		d.RestartRequired = append(d.RestartRequired, "resolver")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	return d
}

func serverEqual(a, b ServerConfig) bool {
	tlsA, tlsB := a.TLS, b.TLS
	a.TLS, b.TLS = nil, nil
	if a != b {
		return false
	}
	if tlsA == nil || tlsB == nil {
		return tlsA == tlsB
	}
	return *tlsA == *tlsB
}

func resolverEqual(a, b ResolverConfig) bool {
	return slices.Equal(a.Sources, b.Sources) &&
		slices.Equal(a.Local.Roots, b.Local.Roots) &&
		a.Workers == b.Workers &&
		a.Timeout == b.Timeout &&
		a.FFmpegPath == b.FFmpegPath &&
		a.YouTube == b.YouTube &&
		a.Local.SearchLimit == b.Local.SearchLimit &&
		a.Local.Watch == b.Local.Watch &&
		a.HTTP == b.HTTP &&
		a.Breaker == b.Breaker
}
