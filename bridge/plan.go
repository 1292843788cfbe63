package bridge

import (
	"fmt"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/disk"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/types"
)

// Plan resolves the disk spec and VMM profile a launch of target would use,
// without touching disks, locks or the sessions DB. The profile assumes the
// disk already exists, so networking follows the profile setting.
func Plan(conf *config.Config, target types.Target, visible bool) (disk.Spec, *hypervisor.Profile, error) {
	prof, ok := conf.Profile(target)
	if !ok {
		return disk.Spec{}, nil, fmt.Errorf("no profile for target %q", target)
	}
	b := &Bridge{conf: conf}
	s := newSession(target, prof)
	spec, err := b.diskSpec(s)
	if err != nil {
		return disk.Spec{}, nil, err
	}
	s.DiskPath, s.NetworkEnabled = spec.Path, prof.Network
	hp, err := b.hypervisorProfile(s, visible)
	if err != nil {
		return disk.Spec{}, nil, err
	}
	return spec, hp, nil
}
