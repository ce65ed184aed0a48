package trigger

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/comsrv/edge-core/internal/channel"
	"github.com/comsrv/edge-core/internal/coreerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wireCommand is the JSON shape of spec.md §6.2's command payload, parsed
// with json-iterator for both List queue and PubSub delivery. Only
// channel_id's presence is tracked (through a pointer); command_id and
// timestamp are filled in by parseCommand whenever they are empty or zero,
// whether omitted or sent explicitly, matching original_source's
// serde(default) attributes on ControlCommand.
type wireCommand struct {
	CommandID   string                 `json:"command_id"`
	ChannelID   *uint16                `json:"channel_id"`
	CommandType string                 `json:"command_type"`
	PointID     uint32                 `json:"point_id"`
	Value       float64                `json:"value"`
	Timestamp   int64                  `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// parseCommand decodes raw into a channel.Command, filling channel_id from
// defaultChannelID when the payload omits it (spec.md §6.2: "channel_id
// will be inferred from topic if not provided").
func parseCommand(raw []byte, defaultChannelID uint16) (channel.Command, error) {
	var wc wireCommand
	if err := json.Unmarshal(raw, &wc); err != nil {
		return channel.Command{}, coreerr.New(coreerr.Protocol, "trigger.parse_command", err)
	}
	kind, err := channel.ParseCommandKind(wc.CommandType)
	if err != nil {
		return channel.Command{}, coreerr.New(coreerr.Protocol, "trigger.parse_command", err)
	}

	channelID := defaultChannelID
	if wc.ChannelID != nil {
		channelID = *wc.ChannelID
	}

	commandID := wc.CommandID
	if commandID == "" {
		commandID = fmt.Sprintf("cmd_%d", time.Now().UnixMilli())
	}

	ts := wc.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	metadata := wc.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	return channel.Command{
		Kind:      kind,
		CommandID: commandID,
		ChannelID: channelID,
		PointID:   wc.PointID,
		Value:     wc.Value,
		Timestamp: ts,
		Metadata:  metadata,
	}, nil
}
