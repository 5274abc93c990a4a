package model

import "strings"

const DefaultDeviceType = "default"

const (
	DeviceAndroid = "android"
	DeviceIOS     = "ios"
	DeviceWeb     = "web"
	DeviceMac     = "mac"
	DeviceWindows = "win"
	DeviceLinux   = "linux"
)

const (
	DeviceGroupMobile  = "mobile"
	DeviceGroupDesktop = "desktop"
	DeviceGroupWeb     = "web"
)

// NormalizeDeviceType lowercases the input; empty => DefaultDeviceType.
func NormalizeDeviceType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultDeviceType
	}
	return s
}

// DeviceGroup maps a device type onto the group that may hold one session.
// Unknown types form their own group.
func DeviceGroup(deviceType string) string {
	switch NormalizeDeviceType(deviceType) {
	case DeviceAndroid, DeviceIOS:
		return DeviceGroupMobile
	case DeviceMac, DeviceWindows, DeviceLinux:
		return DeviceGroupDesktop
	case DeviceWeb:
		return DeviceGroupWeb
	default:
		return NormalizeDeviceType(deviceType)
	}
}
