// Package bits lists the bits compiled into the bithost binary.
package bits

import (
	"github.com/grovetools/bithost/internal/bits/gamelog"
	"github.com/grovetools/bithost/internal/bits/lobby"
	"github.com/grovetools/bithost/internal/bits/vitals"
	"github.com/grovetools/bithost/internal/host"
)

// Builtin returns the factory of every built-in bit keyed by config name.
func Builtin() map[string]host.Factory {
	return map[string]host.Factory{
		vitals.Name:  vitals.NewFactory(),
		lobby.Name:   lobby.NewFactory(),
		gamelog.Name: gamelog.NewFactory(),
	}
}
