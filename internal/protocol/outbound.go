package protocol

// Wire constants shared with the processing service.
const (
	MimeAudioPCM       = "audio/pcm"
	MimePDF            = "application/pdf"
	ModalityAudio      = "AUDIO"
	ToolDeleteDocument = "delete_document"
)

// Outbound message kinds, used for logging and metrics labels.
const (
	KindSetup    = "setup"
	KindAudio    = "audio"
	KindDocument = "document"
	KindToolCall = "tool_call"
)

// Outbound is any message the client writes to the service.
type Outbound interface {
	Kind() string
}

// SetupMessage is the handshake sent once per connection.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

// Setup identifies the user and requests audio responses.
type Setup struct {
	UserID           string           `json:"user_id"`
	GenerationConfig GenerationConfig `json:"generation_config"`
}

// GenerationConfig selects response modalities.
type GenerationConfig struct {
	ResponseModalities []string `json:"response_modalities"`
}

func (SetupMessage) Kind() string { return KindSetup }

// RealtimeInputMessage carries media chunks or a tool call.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtime_input"`
}

// RealtimeInput holds either media chunks or a tool call.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks,omitempty"`
	ToolCall    *ToolCall    `json:"tool_call,omitempty"`
}

// MediaChunk is one audio frame or one document descriptor.
// Audio chunks carry Data only; documents carry Filename and OCR plus
// either StoragePath or inline Data.
type MediaChunk struct {
	MimeType    string `json:"mime_type"`
	Data        string `json:"data,omitempty"`
	Filename    string `json:"filename,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
	OCR         *bool  `json:"ocr,omitempty"`
}

// ToolCall requests server-side function execution.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"function_calls"`
}

// FunctionCall names one server-side function and its arguments.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Kind classifies the message by its payload.
func (m RealtimeInputMessage) Kind() string {
	if m.RealtimeInput.ToolCall != nil {
		return KindToolCall
	}
	for _, c := range m.RealtimeInput.MediaChunks {
		if c.MimeType == MimePDF {
			return KindDocument
		}
	}
	return KindAudio
}

// NewSetup builds the handshake for userID.
func NewSetup(userID string) SetupMessage {
	return SetupMessage{
		Setup: Setup{
			UserID: userID,
			GenerationConfig: GenerationConfig{
				ResponseModalities: []string{ModalityAudio},
			},
		},
	}
}

// NewAudioChunk wraps a base64 PCM16LE 16 kHz mono frame.
func NewAudioChunk(b64 string) RealtimeInputMessage {
	return media(MediaChunk{MimeType: MimeAudioPCM, Data: b64})
}

// NewDocumentMetadata announces a document already placed in storage.
func NewDocumentMetadata(filename, storagePath string, ocr bool) RealtimeInputMessage {
	return media(MediaChunk{
		MimeType:    MimePDF,
		Filename:    filename,
		StoragePath: storagePath,
		OCR:         &ocr,
	})
}

// NewInlineDocument embeds a base64 document in the message itself.
func NewInlineDocument(filename, b64 string, ocr bool) RealtimeInputMessage {
	return media(MediaChunk{
		MimeType: MimePDF,
		Data:     b64,
		Filename: filename,
		OCR:      &ocr,
	})
}

// NewDeleteDocument asks the service to remove filename.
func NewDeleteDocument(filename string) RealtimeInputMessage {
	return RealtimeInputMessage{
		RealtimeInput: RealtimeInput{
			ToolCall: &ToolCall{
				FunctionCalls: []FunctionCall{{
					Name: ToolDeleteDocument,
					Args: map[string]any{"filename": filename},
				}},
			},
		},
	}
}

func media(chunk MediaChunk) RealtimeInputMessage {
	return RealtimeInputMessage{
		RealtimeInput: RealtimeInput{MediaChunks: []MediaChunk{chunk}},
	}
}
