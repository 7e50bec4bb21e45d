package session

import "regexp"

// DeviceType is the coarse device class derived from a user agent.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

var (
	reIPad        = regexp.MustCompile(`iPad`)
	reAndroid     = regexp.MustCompile(`Android`)
	reMobileToken = regexp.MustCompile(`Mobile`)
	reMobile      = regexp.MustCompile(`Mobile|Android|iPhone|iPod|BlackBerry|Opera Mini|IEMobile`)
)

// DetectDeviceType classifies a user agent. Tablets are checked first because
// Android tablets omit the "Mobile" token that Android phones carry.
func DetectDeviceType(userAgent string) DeviceType {
	switch {
	case reIPad.MatchString(userAgent):
		return DeviceTablet
	case reAndroid.MatchString(userAgent) && !reMobileToken.MatchString(userAgent):
		return DeviceTablet
	case reMobile.MatchString(userAgent):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// ParseDeviceType parses a stored device type, defaulting to desktop.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(s) {
	case DeviceMobile, DeviceTablet:
		return DeviceType(s)
	default:
		return DeviceDesktop
	}
}
