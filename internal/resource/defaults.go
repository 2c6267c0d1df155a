package resource

// DefaultDefinitions returns the built-in instruments. Paths are relative to
// the asset root (or the configured base URL).
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "piano", Samples: map[string]string{
			"A3": "/audios/piano/A3.wav",
			"A4": "/audios/piano/A4.wav",
			"A5": "/audios/piano/A5.wav",
		}},
		{ID: "guitar", Samples: map[string]string{
			"Db4": "/audios/guitar/C4.wav",
		}},
		{ID: "jazz-guitar", Samples: map[string]string{
			"C4": "/audios/jazz-guitar/C.wav",
		}},
		{ID: "marimba", Samples: map[string]string{
			"C3": "/audios/marimba/C3.wav",
			"C4": "/audios/marimba/C4.wav",
		}},
	}
}
