package model

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/inpaintGo/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
	"strconv"
	"strings"
)

// ParseDevices parses a comma-separated list of device ids, like "0,1".
// An empty list returns nil.
func ParseDevices(gpu string) ([]int, error) {
	gpu = strings.TrimSpace(gpu)
	if gpu == "" {
		return nil, nil
	}
	ids, err := generics.SliceMapErr(strings.Split(gpu, ","), func(s string) (int, error) {
		return strconv.Atoi(strings.TrimSpace(s))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invalid list of GPU ids %q", gpu)
	}
	for _, id := range ids {
		if id < 0 {
			return nil, errors.Errorf("invalid GPU id %d in %q", id, gpu)
		}
	}
	return ids, nil
}

// replicaDevices returns the devices the model is replicated on, given the configured ids.
//
// With zero or one id configured, only the default device 0 is used. With k > 1 ids, the model is
// replicated over the devices 0..k-1.
// TODO: use the configured ids instead of 0..k-1.
func replicaDevices(backend backends.Backend, ids []int) ([]backends.DeviceNum, error) {
	if len(ids) <= 1 {
		return []backends.DeviceNum{0}, nil
	}
	numDevices := int(backend.NumDevices())
	if len(ids) > numDevices {
		return nil, errors.Errorf("%d GPUs configured (%v), but backend %q only has %d devices",
			len(ids), ids, backend.Name(), numDevices)
	}
	devices := make([]backends.DeviceNum, len(ids))
	for ii := range devices {
		devices[ii] = backends.DeviceNum(ii)
	}
	sorted := slices.Sorted(slices.Values(ids))
	if sorted[0] != 0 || sorted[len(sorted)-1] != len(ids)-1 {
		klog.Warningf("Configured GPU ids %v are not used as given: the model is replicated on devices 0 to %d",
			ids, len(ids)-1)
	}
	return devices, nil
}
