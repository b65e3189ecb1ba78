package connmgr

import (
	"strings"

	"ble-attendance/internal/ble"
	"ble-attendance/internal/config"
)

// Criteria decides which discovered device is the target.
type Criteria struct {
	// Name matches case-insensitively if either name contains the other.
	Name string
	// ServiceIDs, when set, is also handed to the driver as a scan filter.
	ServiceIDs []string
}

// CriteriaFromConfig builds Criteria from the target_* settings.
func CriteriaFromConfig(cfg *config.Config) Criteria {
	return Criteria{Name: cfg.TargetDeviceName, ServiceIDs: cfg.TargetServiceIDs}
}

// Match reports whether d is the target: its name equals, contains, or
// is contained by Name, or it advertises one of the target services.
// With no services configured the daemon's default service id is used.
func (c Criteria) Match(d ble.Device) bool {
	if c.Name != "" && d.Name != "" {
		want, got := strings.ToLower(c.Name), strings.ToLower(d.Name)
		if strings.Contains(got, want) || strings.Contains(want, got) {
			return true
		}
	}
	ids := c.ServiceIDs
	if len(ids) == 0 {
		ids = []string{config.DefaultServiceID}
	}
	return d.HasService(ids)
}

// Filter is the driver-side scan filter. It is empty unless services
// were configured, in which case the manager matches names in software.
func (c Criteria) Filter() ble.ScanFilter {
	return ble.ScanFilter{ServiceIDs: c.ServiceIDs}
}
