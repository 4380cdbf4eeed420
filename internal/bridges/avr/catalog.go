package avr

import "fmt"

// Control identities for the default Marantz/Denon catalog.
const (
	ControlPower            ControlID = "power"
	ControlMainZonePower    ControlID = "main_zone_power"
	ControlMasterVolume     ControlID = "master_volume"
	ControlMute             ControlID = "mute"
	ControlInputSource      ControlID = "input_source"
	ControlSmartSelect      ControlID = "smart_select"
	ControlAudioInputSignal ControlID = "audio_input_signal"
	ControlVideoSelect      ControlID = "video_select"
	ControlAutoStandby      ControlID = "auto_standby"
	ControlEcoMode          ControlID = "eco_mode"
	ControlSleepTimer       ControlID = "sleep_timer"
	ControlSurroundMode     ControlID = "surround_mode"
	ControlAspect           ControlID = "aspect"
	ControlHDMIMonitor      ControlID = "hdmi_monitor"
	ControlHDMIOutput       ControlID = "hdmi_output"
	ControlHDMIResolution   ControlID = "hdmi_resolution"
	ControlHDMIAudioDecode  ControlID = "hdmi_audio_decode"
	ControlVideoProcess     ControlID = "video_process"
)

// Common wire tokens. Power-style controls (PW, ZM, MU) share the ON/OFF
// vocabulary.
const (
	PowerOn  = "ON"
	PowerOff = "OFF"
)

// PowerTokens is the vocabulary for power and mute controls.
var PowerTokens = NewEnumTable("power", PowerOn, PowerOff)

// InputSourceTokens is the vocabulary for input selection. ON and OFF are
// accepted only because the same table backs video select.
var InputSourceTokens = NewEnumTable("input source",
	"PHONO", "CD", "DVD", "BD", "TV", "SAT/CBL", "MPLAY", "GAME",
	"TUNER", "HDRADIO", "SIRIUSXM", "PANDORA", "IRADIO", "SERVER",
	"FAVORITES", "AUX1", "AUX2", "AUX3", "AUX4", "AUX5", "AUX6", "AUX7",
	"NET", "BT",
	"ON", "OFF",
)

// AudioInputSignalTokens is the vocabulary for the audio input signal mode.
// ARC and NO are report-only values the device returns but never accepts.
var AudioInputSignalTokens = NewEnumTable("audio input signal",
	"AUTO", "HDMI", "DIGITAL", "ANALOG", "7.1IN",
	"ARC", "NO",
)

// AutoStandbyTokens is the vocabulary for the auto standby timer.
var AutoStandbyTokens = NewEnumTable("auto standby", "OFF", "15M", "30M", "60M")

// EcoModeTokens is the vocabulary for the ECO mode setting.
var EcoModeTokens = NewEnumTable("eco mode", "OFF", "ON", "AUTO")

// SurroundModeTokens is the vocabulary for the surround mode. The first
// group is settable; LEFT/RIGHT rotate between options; the remainder are
// report-only decode states the device announces for active streams.
var SurroundModeTokens = NewEnumTable("surround mode",
	"MOVIE", "MUSIC", "GAME", "DIRECT", "PURE DIRECT", "STEREO", "AUTO",
	"DOLBY DIGITAL", "DTS SURROUND", "AURO3D", "AURO2DSURR", "MCH STEREO",
	"VIRTUAL",
	"LEFT", "RIGHT",
	"DOLBY SURROUND", "DOLBY ATMOS", "DOLBY D+DS", "DOLBY D+NEURAL:X",
	"DOLBY D+", "DOLBY D+ +DS", "DOLBY D+ +NEURAL:X", "DOLBY HD",
	"DOLBY HD+DS", "DOLBY HD+NEURAL:X", "NEURAL:X", "DTS ES DSCRT6.1",
	"DTS ES MTRX6.1", "DTS+DS", "DTS+NEURAL:X", "DTS ES MTRX+NEURAL:X",
	"DTS ES DSCRT+NEURAL:X", "DTS96/24", "DTS96 ES MTRX", "DTS HD",
	"DTS HD MSTR", "MSDTS HD+DS", "DTS HD+NEURAL:X", "DTS:X", "DTS:X MSTR",
	"DTS EXPRESS", "DTS ES 8CH DSCRT", "MULTI CH IN", "M CH IN+DS",
	"M CH IN+NEURAL:X", "MULTI CH IN 7.1",
)

// AspectTokens is the vocabulary for the video aspect setting.
var AspectTokens = NewEnumTable("aspect", "NRM", "FUL")

// HDMIMonitorTokens is the vocabulary for the HDMI monitor output selector.
var HDMIMonitorTokens = NewEnumTable("hdmi monitor", "AUTO", "1", "2")

// HDMIResolutionTokens is the vocabulary for HDMI output and resolution.
var HDMIResolutionTokens = NewEnumTable("hdmi resolution",
	"48P", "10I", "72P", "10P", "10P24", "4K", "4KF", "AUTO",
)

// HDMIAudioDecodeTokens is the vocabulary for the HDMI audio decode target.
var HDMIAudioDecodeTokens = NewEnumTable("hdmi audio decode", "AMP", "TV")

// VideoProcessTokens is the vocabulary for the video processing mode.
var VideoProcessTokens = NewEnumTable("video process", "AUTO", "GAME", "MOVI")

// channelVolumeControls lists the per-channel trim controls. They all share
// the bulk status query "CV?"; the device answers with one "CVxx nn" line
// per configured channel, and each control claims its own line.
var channelVolumeControls = []struct {
	id   ControlID
	code string
}{
	{"channel_volume_front_left", "CVFL"},
	{"channel_volume_front_right", "CVFR"},
	{"channel_volume_center", "CVC"},
	{"channel_volume_subwoofer", "CVSW"},
	{"channel_volume_subwoofer2", "CVSW2"},
	{"channel_volume_surround_left", "CVSL"},
	{"channel_volume_surround_right", "CVSR"},
	{"channel_volume_surround_back_left", "CVSBL"},
	{"channel_volume_surround_back_right", "CVSBR"},
	{"channel_volume_surround_back", "CVSB"},
	{"channel_volume_front_height_left", "CVFHL"},
	{"channel_volume_front_height_right", "CVFHR"},
	{"channel_volume_top_front_left", "CVTFL"},
	{"channel_volume_top_front_right", "CVTFR"},
	{"channel_volume_top_middle_left", "CVTML"},
	{"channel_volume_top_middle_right", "CVTMR"},
	{"channel_volume_top_rear_left", "CVTRL"},
	{"channel_volume_top_rear_right", "CVTRR"},
	{"channel_volume_rear_height_left", "CVRHL"},
	{"channel_volume_rear_height_right", "CVRHR"},
	{"channel_volume_front_dolby_left", "CVFDL"},
	{"channel_volume_front_dolby_right", "CVFDR"},
	{"channel_volume_surround_dolby_left", "CVSDL"},
	{"channel_volume_surround_dolby_right", "CVSDR"},
	{"channel_volume_back_dolby_left", "CVBDL"},
	{"channel_volume_back_dolby_right", "CVBDR"},
	{"channel_volume_surround_height_left", "CVSHL"},
	{"channel_volume_surround_height_right", "CVSHR"},
	{"channel_volume_top_surround", "CVTS"},
}

// Bare commands with no status/response cycle.
const (
	// cmdChannelVolumeReset restores all channel trims to factory default.
	cmdChannelVolumeReset = "CVZRL"

	// smartSelectMax is the highest smart select slot the protocol accepts.
	smartSelectMax = 5
)

// defaultCatalogSpecs declares the full control table.
func defaultCatalogSpecs() []ControlSpec {
	vol2 := Codec{Kind: CodecRelativeVolume, Digits: 2}

	specs := []ControlSpec{
		{ID: ControlPower, Name: "PW", Codec: Codec{Kind: CodecEnum, Table: PowerTokens}},
		{ID: ControlMainZonePower, Name: "ZM", Codec: Codec{Kind: CodecEnum, Table: PowerTokens}},
		{ID: ControlMasterVolume, Name: "MV", Codec: vol2},
		{ID: ControlMute, Name: "MU", Codec: Codec{Kind: CodecEnum, Table: PowerTokens}},
		{ID: ControlInputSource, Name: "SI", Codec: Codec{Kind: CodecEnum, Table: InputSourceTokens}},
		{ID: ControlSmartSelect, Name: "MSSMART", StatusCommand: "MSSMART ?",
			Codec: Codec{Kind: CodecNumeric, Digits: 1}},
		{ID: ControlAudioInputSignal, Name: "SD", Codec: Codec{Kind: CodecEnum, Table: AudioInputSignalTokens}},
		{ID: ControlVideoSelect, Name: "SV", Codec: Codec{Kind: CodecEnum, Table: InputSourceTokens}},
		{ID: ControlAutoStandby, Name: "STBY", Codec: Codec{Kind: CodecEnum, Table: AutoStandbyTokens}},
		{ID: ControlEcoMode, Name: "ECO", Codec: Codec{Kind: CodecEnum, Table: EcoModeTokens}},
		{ID: ControlSleepTimer, Name: "SLP", Codec: Codec{Kind: CodecRaw}},
		{ID: ControlSurroundMode, Name: "MS", Codec: Codec{Kind: CodecEnum, Table: SurroundModeTokens}},
		{ID: ControlAspect, Name: "VSASP", Codec: Codec{Kind: CodecEnum, Table: AspectTokens}},
		{ID: ControlHDMIMonitor, Name: "VSMONI", Codec: Codec{Kind: CodecEnum, Table: HDMIMonitorTokens}},
		{ID: ControlHDMIOutput, Name: "VSSC", Codec: Codec{Kind: CodecEnum, Table: HDMIResolutionTokens}},
		{ID: ControlHDMIResolution, Name: "VSSCH", Codec: Codec{Kind: CodecEnum, Table: HDMIResolutionTokens}},
		{ID: ControlHDMIAudioDecode, Name: "VSAUDIO ", Codec: Codec{Kind: CodecEnum, Table: HDMIAudioDecodeTokens}},
		{ID: ControlVideoProcess, Name: "VSVPM", StatusCommand: "VSVPM ?",
			Codec: Codec{Kind: CodecEnum, Table: VideoProcessTokens}},
	}

	for _, cv := range channelVolumeControls {
		specs = append(specs, ControlSpec{
			ID:            cv.id,
			Name:          cv.code,
			StatusCommand: "CV?",
			SetCommand:    cv.code + " ",
			Codec:         vol2,
		})
	}

	return specs
}

// DefaultCatalog builds the full Marantz/Denon control table.
func DefaultCatalog() ([]Control, error) {
	specs := defaultCatalogSpecs()
	controls := make([]Control, 0, len(specs))
	for _, spec := range specs {
		ctrl, err := NewControl(spec)
		if err != nil {
			return nil, fmt.Errorf("building catalog: %w", err)
		}
		controls = append(controls, ctrl)
	}
	return controls, nil
}

// NewDefaultRegistry builds a registry over the default catalog.
func NewDefaultRegistry() (*Registry, error) {
	catalog, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	return NewRegistry(catalog)
}

// ResetChannelVolumes restores every channel trim to the factory default.
// The device sends no acknowledgment; callers wanting confirmation should
// read the trims afterwards.
func ResetChannelVolumes(s *Session) error {
	return s.Send(cmdChannelVolumeReset)
}

// StoreSmartSelect saves the current receiver setup into smart select
// slot n (0-5).
func StoreSmartSelect(s *Session, n int) error {
	if n < 0 || n > smartSelectMax {
		return fmt.Errorf("%w: smart select slot %d (valid 0-%d)", ErrValueOutOfRange, n, smartSelectMax)
	}
	return s.Send(fmt.Sprintf("MSSMART%d MEMORY", n))
}

// CancelSmartSelect deselects the active smart select slot.
func CancelSmartSelect(s *Session) error {
	return s.Write(ControlSmartSelect, 0)
}
