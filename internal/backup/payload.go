package backup

import (
	"github.com/tidwall/gjson"
)

const (
	// UnknownModel is reported when no level of the payload names a model.
	UnknownModel = "Unknown"
	// UnknownDevice is reported for backups without a device name.
	UnknownDevice = "Unknown"
	// DefaultSessionID groups turns that carry no session id of their own.
	DefaultSessionID = "default"
)

// Turn is one user/assistant exchange stored inside a backup payload.
type Turn struct {
	SessionID  string
	UserInput  string
	AIResponse string
	Timestamp  string
	Model      string
}

// Payload is the parsed view of a backup's chat_data and metadata columns.
// The CLI writes these blobs without a fixed schema, so every field is
// optional and the zero value means "absent".
type Payload struct {
	SessionID     string
	Turns         []Turn
	HasTurns      bool // conversations was present and an array
	Model         string
	MetadataModel string
}

// ParsePayload reads the loosely structured chat_data and metadata blobs.
// Malformed or missing JSON yields an empty payload rather than an error.
func ParsePayload(chatData, metadata []byte) Payload {
	var p Payload

	if len(chatData) > 0 && gjson.ValidBytes(chatData) {
		cd := gjson.ParseBytes(chatData)
		p.SessionID = firstString(cd, "session_id", "sessionId")
		p.Model = firstString(cd, "model")

		conversations := cd.Get("conversations")
		if conversations.IsArray() {
			p.HasTurns = true
			conversations.ForEach(func(_, conv gjson.Result) bool {
				p.Turns = append(p.Turns, parseTurn(conv))
				return true
			})
		}
	}

	if len(metadata) > 0 && gjson.ValidBytes(metadata) {
		p.MetadataModel = firstString(gjson.ParseBytes(metadata), "model")
	}

	return p
}

func parseTurn(conv gjson.Result) Turn {
	t := Turn{
		SessionID:  firstString(conv, "session_id", "sessionId"),
		UserInput:  firstString(conv, "user_input", "userInput"),
		AIResponse: firstString(conv, "ai_response", "aiResponse"),
		Timestamp:  firstString(conv, "timestamp"),
		Model:      firstString(conv, "metadata.model"),
	}
	if t.SessionID == "" {
		t.SessionID = DefaultSessionID
	}
	return t
}

// firstString returns the first non-empty string or number found at paths.
func firstString(res gjson.Result, paths ...string) string {
	if !res.IsObject() {
		return ""
	}
	for _, path := range paths {
		v := res.Get(path)
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str
			}
		case gjson.Number:
			return v.Raw
		}
	}
	return ""
}

// ResolveModel applies the model fallback chain: the turn's own model,
// then chat_data.model, then metadata.model, then UnknownModel.
func ResolveModel(turnModel string, p Payload) string {
	switch {
	case turnModel != "":
		return turnModel
	case p.Model != "":
		return p.Model
	case p.MetadataModel != "":
		return p.MetadataModel
	}
	return UnknownModel
}

// FirstTurnModel is the model named by the first stored turn, if any.
func (p Payload) FirstTurnModel() string {
	if len(p.Turns) == 0 {
		return ""
	}
	return p.Turns[0].Model
}
