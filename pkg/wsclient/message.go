package wsclient

// helloOut is the first text message sent on every new connection
// (spec.md §4.5).
type helloOut struct {
	Type      string       `json:"type"`
	Version   int          `json:"version"`
	Transport string       `json:"transport"`
	Features  helloFeatures `json:"features"`
	Audio     audioParams  `json:"audio_params"`
}

type helloFeatures struct {
	Mcp bool `json:"mcp"`
}

type audioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// helloIn is the server's handshake reply. SessionID and the nested sample
// rate are both optional (spec.md §4.5).
type helloIn struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Audio     *inboundAudioParams `json:"audio_params"`
}

type inboundAudioParams struct {
	SampleRate int `json:"sample_rate"`
}

// listenOut is emitted by the Engine for listen/start|stop|detect
// (spec.md §6.3).
type listenOut struct {
	SessionID string `json:"session_id,omitempty"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ttsIn is the inbound tts event (spec.md §4.5).
type ttsIn struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

// llmIn is the inbound llm/emotion event.
type llmIn struct {
	Type    string `json:"type"`
	Emotion string `json:"emotion"`
}

// typeEnvelope is used to sniff the "type" discriminator before decoding
// into a concrete inbound shape.
type typeEnvelope struct {
	Type string `json:"type"`
}
