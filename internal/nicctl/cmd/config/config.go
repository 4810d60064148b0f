/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/senseyeio/duration"
	"gopkg.in/yaml.v2"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/device"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
)

// SimulatedDevice is the device address that selects the in-process card.
const SimulatedDevice = "sim"

// The below structures are used to decode the configuration file. Be careful of making
// changes as these must also be reflected in the static config files.

// Ring sizes one channel's queue pair.
type Ring struct {
	Send    int `yaml:"send"`
	Receive int `yaml:"receive"`
}

// Driver is the version the host reports to the firmware.
type Driver struct {
	Name     string `yaml:"name"`
	Major    uint8  `yaml:"major"`
	Minor    uint8  `yaml:"minor"`
	Build    uint8  `yaml:"build"`
	SubBuild uint8  `yaml:"subBuild"`
}

// Device refers to one physical function, by PCI address or "sim".
type Device struct {
	Address string          `yaml:"address"`
	Driver  *Driver         `yaml:"driver,omitempty"`
	Rings   map[string]Ring `yaml:"rings,omitempty"`
}

// Timeouts are ISO-8601 durations such as "PT3S". Empty values keep the
// built in defaults.
type Timeouts struct {
	NVMRead          string `yaml:"nvmRead,omitempty"`
	NVMWrite         string `yaml:"nvmWrite,omitempty"`
	NVMCompletion    string `yaml:"nvmCompletion,omitempty"`
	ChangeLock       string `yaml:"changeLock,omitempty"`
	GlobalConfigLock string `yaml:"globalConfigLock,omitempty"`
	SharedPin        string `yaml:"sharedPin,omitempty"`
	LockWait         string `yaml:"lockWait,omitempty"`
	LockBackoff      string `yaml:"lockBackoff,omitempty"`
}

// Package bounds the package versions the engine accepts, as "major.minor".
type Package struct {
	MinVersion string `yaml:"minVersion,omitempty"`
	MaxVersion string `yaml:"maxVersion,omitempty"`
}

// ConfigFile is the top-level structure
type ConfigFile struct {
	Version  string
	Metadata struct {
		Name string
	}
	Device   Device
	Timeouts Timeouts `yaml:",omitempty"`
	Package  Package  `yaml:",omitempty"`

	// History is the directory of the package load ledger. Empty disables
	// recording.
	History string `yaml:",omitempty"`

	Server struct {
		Address string
	} `yaml:",omitempty"`

	Log struct {
		Level string
	} `yaml:",omitempty"`
}

// Default is the configuration used without a configuration file.
func Default() ConfigFile {
	c := ConfigFile{Version: "1.0", Device: Device{Address: SimulatedDevice}}
	c.Metadata.Name = "nnf-nic"
	c.Server.Address = ":8080"
	c.Log.Level = "info"
	return c
}

// Load reads and validates the configuration file at path.
func Load(path string) (ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConfigFile{}, err
	}
	return Parse(data)
}

// Parse decodes and validates a configuration, filling anything it leaves
// out from Default.
func Parse(data []byte) (ConfigFile, error) {
	conf := Default()
	if err := yaml.UnmarshalStrict(data, &conf); err != nil {
		return ConfigFile{}, err
	}
	if err := validateConfig(conf); err != nil {
		return ConfigFile{}, err
	}
	return conf, nil
}

func configError(format string, a ...interface{}) error {
	return fmt.Errorf("Config Error: "+format, a...)
}

func validateConfig(conf ConfigFile) error {
	if conf.Version != "1.0" {
		return configError("Unsupported version %s", conf.Version)
	}

	if conf.Device.Address == "" {
		return configError("Device address required")
	}

	for name, r := range conf.Device.Rings {
		if _, ok := channels[name]; !ok {
			return configError("Unknown channel %s", name)
		}
		if r.Send < 2 || r.Receive < 2 {
			return configError("Channel %s needs at least two entries per ring", name)
		}
	}

	if d := conf.Device.Driver; d != nil && d.Name == "" {
		return configError("Driver name required")
	}

	if _, err := conf.DeviceConfig(); err != nil {
		return err
	}

	return nil
}

var channels = map[string]adminq.Channel{
	"admin":    adminq.AdminChannel,
	"mailbox":  adminq.MailboxChannel,
	"sideband": adminq.SidebandChannel,
}

// parseDuration converts an ISO-8601 duration to a time.Duration. Calendar
// units are measured from the Unix epoch.
func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := duration.ParseISO8601(s)
	if err != nil {
		return 0, configError("Timeout %s: %v", name, err)
	}

	epoch := time.Unix(0, 0).UTC()
	return d.Shift(epoch).Sub(epoch), nil
}

func parseVersion(name, s string) (ddp.Version, error) {
	var v ddp.Version
	if s == "" {
		return v, nil
	}

	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return v, configError("Package %s %q is not major.minor", name, s)
	}
	if _, err := fmt.Sscanf(s, "%d.%d", &v.Major, &v.Minor); err != nil {
		return v, configError("Package %s %q: %v", name, s, err)
	}
	return v, nil
}

// DeviceConfig converts the file into the device's configuration.
func (conf ConfigFile) DeviceConfig() (device.Config, error) {
	c := device.DefaultConfig

	if d := conf.Device.Driver; d != nil {
		c.Driver = device.DriverVersion{Name: d.Name, Major: d.Major, Minor: d.Minor, Build: d.Build, SubBuild: d.SubBuild}
	}

	if len(conf.Device.Rings) != 0 {
		c.Rings = make(map[adminq.Channel]ring.Config)
		for name, r := range conf.Device.Rings {
			c.Rings[channels[name]] = ring.Config{SendEntries: r.Send, ReceiveEntries: r.Receive}
		}
	}

	t := conf.Timeouts
	for _, field := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"nvmRead", t.NVMRead, &c.Timeouts.NVMRead},
		{"nvmWrite", t.NVMWrite, &c.Timeouts.NVMWrite},
		{"nvmCompletion", t.NVMCompletion, &c.NVMCompletionTimeout},
		{"changeLock", t.ChangeLock, &c.Timeouts.ChangeLock},
		{"globalConfigLock", t.GlobalConfigLock, &c.Timeouts.GlobalConfigLock},
		{"sharedPin", t.SharedPin, &c.Timeouts.SharedPin},
		{"lockWait", t.LockWait, &c.Package.LockWait},
		{"lockBackoff", t.LockBackoff, &c.Package.LockBackoff},
	} {
		d, err := parseDuration(field.name, field.value)
		if err != nil {
			return c, err
		}
		*field.dst = d
	}

	lo, err := parseVersion("minVersion", conf.Package.MinVersion)
	if err != nil {
		return c, err
	}
	hi, err := parseVersion("maxVersion", conf.Package.MaxVersion)
	if err != nil {
		return c, err
	}
	if conf.Package.MinVersion != "" || conf.Package.MaxVersion != "" {
		c.Package.Versions = ddp.DefaultVersionRange
		if conf.Package.MinVersion != "" {
			c.Package.Versions.Min = lo
		}
		if conf.Package.MaxVersion != "" {
			c.Package.Versions.Max = hi
		}
		if c.Package.Versions.Min.CompareMajorMinor(c.Package.Versions.Max) > 0 {
			return c, configError("Package minVersion %s above maxVersion %s", c.Package.Versions.Min, c.Package.Versions.Max)
		}
	}

	return c, nil
}

// ConfigCmd defines the Config CLI command and parameters
type ConfigCmd struct {
	Path string `arg:"" help:"The configuration file." type:"existingfile"`
}

// Run will run the Config command.
func (cmd *ConfigCmd) Run() error {
	fmt.Printf("Validate Config %s...\n", cmd.Path)
	conf, err := Load(cmd.Path)
	if err != nil {
		return err
	}

	fmt.Printf("Config Loaded.\n")
	fmt.Printf("  Version: %s\n", conf.Version)
	fmt.Printf("  Name: %s\n", conf.Metadata.Name)
	fmt.Printf("  Device: %s\n", conf.Device.Address)

	c, err := conf.DeviceConfig()
	if err != nil {
		return err
	}
	fmt.Printf("  Driver: %s\n", c.Driver)
	for _, ch := range adminq.Channels {
		r, ok := c.Rings[ch]
		if !ok {
			r = ring.DefaultConfig
		}
		fmt.Printf("  Channel %s: %d send %d receive\n", ch, r.SendEntries, r.ReceiveEntries)
	}
	if conf.History != "" {
		fmt.Printf("  History: %s\n", conf.History)
	}
	return nil
}
