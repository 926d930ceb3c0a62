package voiceturn

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// AudioDevice describes one host audio device. ID is its PortAudio index.
type AudioDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
	HostAPI           string
}

func (d AudioDevice) IsInput() bool  { return d.MaxInputChannels > 0 }
func (d AudioDevice) IsOutput() bool { return d.MaxOutputChannels > 0 }

// DeviceCatalog is a snapshot of the host's audio devices.
type DeviceCatalog struct {
	Devices []AudioDevice
}

// ListDevices enumerates devices through PortAudio.
func ListDevices() (*DeviceCatalog, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, NewDeviceError(err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, NewDeviceError(err)
	}
	// Missing defaults are not fatal for listing.
	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	catalog := &DeviceCatalog{}
	for i, info := range infos {
		hostAPI := "Unknown"
		if info.HostApi != nil {
			hostAPI = info.HostApi.Name
		}
		catalog.Devices = append(catalog.Devices, AudioDevice{
			ID:                i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefaultInput:    defaultIn != nil && info == defaultIn,
			IsDefaultOutput:   defaultOut != nil && info == defaultOut,
			HostAPI:           hostAPI,
		})
	}
	return catalog, nil
}

func (c *DeviceCatalog) Inputs() []AudioDevice {
	var out []AudioDevice
	for _, d := range c.Devices {
		if d.IsInput() {
			out = append(out, d)
		}
	}
	return out
}

func (c *DeviceCatalog) Outputs() []AudioDevice {
	var out []AudioDevice
	for _, d := range c.Devices {
		if d.IsOutput() {
			out = append(out, d)
		}
	}
	return out
}

// ByID returns the device with the given index.
func (c *DeviceCatalog) ByID(id int) (*AudioDevice, error) {
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			d := c.Devices[i]
			return &d, nil
		}
	}
	return nil, NewDeviceNotFoundError(fmt.Errorf("device %d does not exist", id))
}

// ByName returns the first device whose name contains name, ignoring case.
func (c *DeviceCatalog) ByName(name string) (*AudioDevice, error) {
	needle := strings.ToLower(name)
	for i := range c.Devices {
		if strings.Contains(strings.ToLower(c.Devices[i].Name), needle) {
			d := c.Devices[i]
			return &d, nil
		}
	}
	return nil, NewDeviceNotFoundError(fmt.Errorf("no device matching %q", name))
}

// DefaultInput returns the default capture device.
func (c *DeviceCatalog) DefaultInput() (*AudioDevice, error) {
	for i := range c.Devices {
		if c.Devices[i].IsDefaultInput {
			d := c.Devices[i]
			return &d, nil
		}
	}
	return nil, NewDeviceNotFoundError(fmt.Errorf("no default input device"))
}

// ValidateInput checks that device id can capture the requested channels.
func (c *DeviceCatalog) ValidateInput(id, channels int) error {
	d, err := c.ByID(id)
	if err != nil {
		return err
	}
	if !d.IsInput() {
		return NewDeviceNotFoundError(fmt.Errorf("device %q is not an input device", d.Name))
	}
	if d.MaxInputChannels < channels {
		return NewDeviceError(fmt.Errorf("device %q supports %d input channels, %d requested", d.Name, d.MaxInputChannels, channels))
	}
	return nil
}

// Describe formats a device for display.
func (d AudioDevice) Describe() string {
	var roles []string
	if d.IsInput() {
		role := "input"
		if d.IsDefaultInput {
			role += " (default)"
		}
		roles = append(roles, role)
	}
	if d.IsOutput() {
		role := "output"
		if d.IsDefaultOutput {
			role += " (default)"
		}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		roles = append(roles, "none")
	}
	return fmt.Sprintf("[%d] %s  %s  in:%d out:%d  %.0f Hz  %s",
		d.ID, d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, strings.Join(roles, ", "))
}
