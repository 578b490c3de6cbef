package h2conn

// settingsStore tracks local and remote SETTINGS values with the RFC 7540
// §6.5.3 default until the peer's frame is applied, plus outstanding-ACK
// bookkeeping for the local side.
type settingsStore struct {
	// local is what this side advertised; remote is what the peer last
	// told us. Both start at RFC defaults.
	local  settingsValues
	remote settingsValues

	// localACKPending is true from the moment local SETTINGS is written
	// until the peer ACKs it; used to drive SETTINGS_TIMEOUT.
	localACKPending bool
}

type settingsValues struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32 // unboundedConcurrentStreams (math.MaxUint32) means no limit; 0 allows no new streams
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

const unboundedConcurrentStreams = ^uint32(0)
const unboundedHeaderListSize = ^uint32(0)

func defaultSettingsValues() settingsValues {
	return settingsValues{
		HeaderTableSize:      4096,
		EnablePush:           true,
		MaxConcurrentStreams: unboundedConcurrentStreams,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    unboundedHeaderListSize,
	}
}

func newSettingsStore() *settingsStore {
	return &settingsStore{
		local:  defaultSettingsValues(),
		remote: defaultSettingsValues(),
	}
}

// applyRemote updates remote settings values in place, returning the
// initial-window-size delta if that setting changed (0 if unchanged or
// absent), which the flow controller must apply to every open stream.
func (s *settingsStore) applyRemote(settings []Setting) (windowDelta int64, err error) {
	prevInitial := s.remote.InitialWindowSize
	sawInitialWindow := false

	for _, set := range settings {
		switch set.ID {
		case SettingHeaderTableSize:
			s.remote.HeaderTableSize = set.Value
		case SettingEnablePush:
			if set.Value > 1 {
				return 0, ConnectionError{Code: ErrCodeProtocol}
			}
			s.remote.EnablePush = set.Value == 1
		case SettingMaxConcurrentStreams:
			s.remote.MaxConcurrentStreams = set.Value
		case SettingInitialWindowSize:
			if set.Value > 0x7fffffff {
				return 0, ConnectionError{Code: ErrCodeFlowControl}
			}
			s.remote.InitialWindowSize = set.Value
			sawInitialWindow = true
		case SettingMaxFrameSize:
			if set.Value < 16384 || set.Value > 0xffffff {
				return 0, ConnectionError{Code: ErrCodeProtocol}
			}
			s.remote.MaxFrameSize = set.Value
		case SettingMaxHeaderListSize:
			s.remote.MaxHeaderListSize = set.Value
		default:
			// unknown settings identifiers are ignored per RFC 7540 §6.5.2.
		}
	}
	if sawInitialWindow {
		windowDelta = int64(s.remote.InitialWindowSize) - int64(prevInitial)
	}
	return windowDelta, nil
}

// localFrameSettings renders the local preferences that differ from RFC defaults as
// wire-ready Setting pairs, for the initial SETTINGS frame.
func (s *settingsStore) localFrameSettings() []Setting {
	def := defaultSettingsValues()
	var out []Setting
	if s.local.HeaderTableSize != def.HeaderTableSize {
		out = append(out, Setting{ID: SettingHeaderTableSize, Value: s.local.HeaderTableSize})
	}
	if s.local.EnablePush != def.EnablePush {
		v := uint32(0)
		if s.local.EnablePush {
			v = 1
		}
		out = append(out, Setting{ID: SettingEnablePush, Value: v})
	}
	if s.local.MaxConcurrentStreams != def.MaxConcurrentStreams {
		out = append(out, Setting{ID: SettingMaxConcurrentStreams, Value: s.local.MaxConcurrentStreams})
	}
	if s.local.InitialWindowSize != def.InitialWindowSize {
		out = append(out, Setting{ID: SettingInitialWindowSize, Value: s.local.InitialWindowSize})
	}
	if s.local.MaxFrameSize != def.MaxFrameSize {
		out = append(out, Setting{ID: SettingMaxFrameSize, Value: s.local.MaxFrameSize})
	}
	if s.local.MaxHeaderListSize != def.MaxHeaderListSize {
		out = append(out, Setting{ID: SettingMaxHeaderListSize, Value: s.local.MaxHeaderListSize})
	}
	return out
}
