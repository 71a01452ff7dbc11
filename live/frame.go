package live

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// the user a connection claims via a `register` frame. Not authenticated here.
type Identity string

// pass as `exclude` to broadcast without excluding anyone
const NoExclude Identity = ""

func (self *Identity) UnmarshalJSON(src []byte) error {
	s, err := unmarshalStringOrNumber(src)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	*self = Identity(s)
	return nil
}

type ResourceKind string

const (
	ResourceKindProject ResourceKind = "project"
	ResourceKindAgenda  ResourceKind = "agenda"
)

var ResourceKinds = []ResourceKind{
	ResourceKindProject,
	ResourceKindAgenda,
}

type ResourceId string

func (self *ResourceId) UnmarshalJSON(src []byte) error {
	s, err := unmarshalStringOrNumber(src)
	if err != nil {
		return fmt.Errorf("resource id: %w", err)
	}
	*self = ResourceId(s)
	return nil
}

// comparable
type ResourceKey struct {
	Kind ResourceKind
	Id   ResourceId
}

func (self ResourceKey) String() string {
	return fmt.Sprintf("%s/%s", self.Kind, self.Id)
}

// ids arrive as json strings or numbers depending on the caller,
// e.g. `{"projectId": 42}` and `{"projectId": "42"}` name the same project
func unmarshalStringOrNumber(src []byte) (string, error) {
	src = bytes.TrimSpace(src)
	if len(src) == 0 || bytes.Equal(src, []byte("null")) {
		return "", nil
	}
	switch src[0] {
	case '"':
		var s string
		if err := json.Unmarshal(src, &s); err != nil {
			return "", err
		}
		return s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(src, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", fmt.Errorf("must be a string or number: %s", src)
	}
}

type FrameType string

// client -> server frame types
const (
	FrameTypeRegister       FrameType = "register"
	FrameTypeWatchProject   FrameType = "watch_project"
	FrameTypeUnwatchProject FrameType = "unwatch_project"
	FrameTypeWatchAgenda    FrameType = "watch_agenda"
	FrameTypeUnwatchAgenda  FrameType = "unwatch_agenda"
)

type ClientFrame struct {
	Type      FrameType  `json:"type"`
	UserId    Identity   `json:"userId,omitempty"`
	ProjectId ResourceId `json:"projectId,omitempty"`
	AgendaId  ResourceId `json:"agendaId,omitempty"`
}

func RegisterFrame(identity Identity) *ClientFrame {
	return &ClientFrame{
		Type:   FrameTypeRegister,
		UserId: identity,
	}
}

func WatchFrame(kind ResourceKind, id ResourceId) *ClientFrame {
	switch kind {
	case ResourceKindProject:
		return &ClientFrame{Type: FrameTypeWatchProject, ProjectId: id}
	case ResourceKindAgenda:
		return &ClientFrame{Type: FrameTypeWatchAgenda, AgendaId: id}
	default:
		return nil
	}
}

func UnwatchFrame(kind ResourceKind, id ResourceId) *ClientFrame {
	switch kind {
	case ResourceKindProject:
		return &ClientFrame{Type: FrameTypeUnwatchProject, ProjectId: id}
	case ResourceKindAgenda:
		return &ClientFrame{Type: FrameTypeUnwatchAgenda, AgendaId: id}
	default:
		return nil
	}
}

// the resource targeted by a watch or unwatch frame.
// `ok` is false for other frame types.
func (self *ClientFrame) ResourceKey() (key ResourceKey, watch bool, ok bool) {
	switch self.Type {
	case FrameTypeWatchProject:
		return ResourceKey{Kind: ResourceKindProject, Id: self.ProjectId}, true, true
	case FrameTypeUnwatchProject:
		return ResourceKey{Kind: ResourceKindProject, Id: self.ProjectId}, false, true
	case FrameTypeWatchAgenda:
		return ResourceKey{Kind: ResourceKindAgenda, Id: self.AgendaId}, true, true
	case FrameTypeUnwatchAgenda:
		return ResourceKey{Kind: ResourceKindAgenda, Id: self.AgendaId}, false, true
	default:
		return ResourceKey{}, false, false
	}
}

func EncodeClientFrame(frame *ClientFrame) ([]byte, error) {
	return json.Marshal(frame)
}

// Fields are only decoded for known frame types. A frame of an unknown type
// comes back with just its `type` so the caller can ignore it.
func DecodeClientFrame(message []byte) (*ClientFrame, error) {
	var header struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(message, &header); err != nil {
		return nil, err
	}
	switch header.Type {
	case FrameTypeRegister,
		FrameTypeWatchProject,
		FrameTypeUnwatchProject,
		FrameTypeWatchAgenda,
		FrameTypeUnwatchAgenda:
	default:
		return &ClientFrame{Type: header.Type}, nil
	}

	frame := &ClientFrame{}
	if err := json.Unmarshal(message, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// server -> client event. Only the `type` is interpreted;
// the rest of the payload is owned by whoever issued the broadcast.
type Event struct {
	Type string
	Raw  json.RawMessage
}

func DecodeEvent(message []byte) (*Event, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &header); err != nil {
		return nil, err
	}
	if header.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	return &Event{
		Type: header.Type,
		Raw:  json.RawMessage(message),
	}, nil
}

func (self *Event) Decode(v any) error {
	return json.Unmarshal(self.Raw, v)
}

// checks that an event is a json object with a non-empty string `type`
func ValidateEvent(raw json.RawMessage) error {
	var header map[string]any
	if err := json.Unmarshal(raw, &header); err != nil {
		return fmt.Errorf("event must be a json object: %w", err)
	}
	eventType, ok := header["type"].(string)
	if !ok || eventType == "" {
		return fmt.Errorf("event must have a string type")
	}
	return nil
}
