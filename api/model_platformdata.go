package api

import (
	"fmt"
	"os"
	"runtime"
)

// PlatformData describes the running client to the hub. It is sent on every dial.
type PlatformData struct {
	SdkType         string `json:"sdkType"`
	SdkVersion      string `json:"sdkVersion"`
	PlatformVersion string `json:"platformVersion"`
	DeviceModel     string `json:"deviceModel"`
	Platform        string `json:"platform"`
	Hostname        string `json:"hostname"`
}

func (pd *PlatformData) Default(sdkVersion string) *PlatformData {
	pd.Platform = "Go"
	pd.SdkType = "client"
	pd.PlatformVersion = runtime.Version()
	pd.DeviceModel = runtime.GOOS + "/" + runtime.GOARCH
	pd.Hostname, _ = os.Hostname()
	pd.SdkVersion = sdkVersion
	return pd
}

// HeaderValue is the compact form sent in the X-Client-Platform header.
func (pd PlatformData) HeaderValue() string {
	return fmt.Sprintf("%s/%s; %s; %s %s", pd.Platform, pd.PlatformVersion, pd.DeviceModel, pd.SdkType, pd.SdkVersion)
}
