// Package quality defines the streaming quality presets and the policy that
// clamps them to what the current network class can sustain.
package quality

import "fmt"

// Preset names a fixed (resolution, target bitrate) pair used to configure
// the encoder for one broadcast. Presets are ordered from lowest to highest;
// both resolution and bitrate grow monotonically with the ordinal.
type Preset int

const (
	// Preset480 encodes 480x270 at 464 kbps. Suitable for any connection.
	Preset480 Preset = iota
	// Preset640 encodes 640x360 at 664 kbps. The default, and the highest
	// preset allowed on cellular connections.
	Preset640
	// Preset640High encodes 640x360 at 1296 kbps. Wi-Fi only.
	Preset640High
	// Preset960 encodes 960x540 at 3596 kbps. Wi-Fi only.
	Preset960
	// Preset1280 encodes 1280x720 at 5128 kbps. Wi-Fi only.
	Preset1280
	// Preset1280High encodes 1280x720 at 6628 kbps. Wi-Fi only.
	Preset1280High
)

// DefaultPreset is applied when the caller never picks a preset.
const DefaultPreset = Preset640

// CellularCeiling is the highest preset permitted on cellular connections.
const CellularCeiling = Preset640

type presetSpec struct {
	width   int
	height  int
	bitrate int
	name    string
}

var presetTable = [...]presetSpec{
	Preset480:      {480, 270, 464, "480p"},
	Preset640:      {640, 360, 664, "640p"},
	Preset640High:  {640, 360, 1296, "640p-high"},
	Preset960:      {960, 540, 3596, "960p"},
	Preset1280:     {1280, 720, 5128, "1280p"},
	Preset1280High: {1280, 720, 6628, "1280p-high"},
}

// Valid reports whether p is one of the six defined presets.
func (p Preset) Valid() bool {
	return p >= Preset480 && p <= Preset1280High
}

// Resolution returns the encoded frame dimensions for the preset.
func (p Preset) Resolution() (width, height int) {
	if !p.Valid() {
		p = DefaultPreset
	}
	spec := presetTable[p]
	return spec.width, spec.height
}

// BitrateKbps returns the target video bitrate for the preset.
func (p Preset) BitrateKbps() int {
	if !p.Valid() {
		p = DefaultPreset
	}
	return presetTable[p].bitrate
}

// String implements fmt.Stringer.
func (p Preset) String() string {
	if !p.Valid() {
		return fmt.Sprintf("preset(%d)", int(p))
	}
	return presetTable[p].name
}

// NetworkClass is the coarse connectivity classification the policy keys on.
type NetworkClass int

const (
	// NetworkUnknown means the connection type could not be determined.
	NetworkUnknown NetworkClass = iota
	// NetworkCellular is a metered mobile connection.
	NetworkCellular
	// NetworkWiFi is an unmetered local wireless connection.
	NetworkWiFi
)

// String implements fmt.Stringer.
func (n NetworkClass) String() string {
	switch n {
	case NetworkCellular:
		return "cellular"
	case NetworkWiFi:
		return "wifi"
	default:
		return "unknown"
	}
}

// Select returns the preset that should actually be used for the next
// broadcast given the requested preset and the current network class.
// Cellular connections are clamped to CellularCeiling; Wi-Fi and unknown
// connections pass the request through unchanged. The result applies to the
// next broadcast only; a session already in flight keeps its preset so that
// segment continuity is preserved.
func Select(requested Preset, class NetworkClass) Preset {
	if !requested.Valid() {
		requested = DefaultPreset
	}
	if class == NetworkCellular && requested > CellularCeiling {
		return CellularCeiling
	}
	return requested
}
