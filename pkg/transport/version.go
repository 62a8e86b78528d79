package transport

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/onebot/pkg/protocol"
)

// CheckVersion verifies that a peer-announced protocol version is
// compatible with the local one. An empty version is accepted since not
// every binding announces it.
func CheckVersion(remote string) error {
	if remote == "" {
		return nil
	}
	local, err := semver.NewVersion(protocol.Version)
	if err != nil {
		return fmt.Errorf("invalid local version %q: %w", protocol.Version, err)
	}
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d", local.Major()))
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}
	peer, err := semver.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrVersionMismatch, remote)
	}
	if !constraint.Check(peer) {
		return fmt.Errorf("%w: peer speaks %s, want %d.x", ErrVersionMismatch, remote, local.Major())
	}
	return nil
}
