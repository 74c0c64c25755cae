// Package bridge links the engine to a browser front end over a WebSocket.
// The browser owns the <video> and audio elements; the server drives them
// and relays their notifications back as media events.
package bridge

import "errors"

// Common errors
var (
	ErrNoClient      = errors.New("no browser connected")
	ErrNoController  = errors.New("engine not ready")
	ErrAudioRejected = errors.New("browser rejected audio")
)

// MessageType identifies a protocol message
type MessageType string

// Server to browser
const (
	MsgVideoLoad  MessageType = "video.load"
	MsgVideoSeek  MessageType = "video.seek"
	MsgVideoPlay  MessageType = "video.play"
	MsgVideoPause MessageType = "video.pause"
	MsgAudioPlay  MessageType = "audio.play"
	MsgAudioStop  MessageType = "audio.stop"
	MsgEvent      MessageType = "event"
	MsgLog        MessageType = "log"
	MsgAck        MessageType = "ack"
	MsgError      MessageType = "error"
)

// Browser to server
const (
	MsgVideoMetadata   MessageType = "video.metadata"
	MsgVideoSeeked     MessageType = "video.seeked"
	MsgVideoPlaying    MessageType = "video.playing"
	MsgVideoError      MessageType = "video.error"
	MsgVideoTimeUpdate MessageType = "video.timeupdate"
	MsgVideoEnded      MessageType = "video.ended"
	MsgAudioEnded      MessageType = "audio.ended"
	MsgAudioError      MessageType = "audio.error"

	// UI commands
	MsgSync      MessageType = "sync"
	MsgInterrupt MessageType = "interrupt"
)

// MsgStatus is a UI request and the server's reply to it
const MsgStatus MessageType = "status"

// Message is the single JSON envelope used in both directions. Replies
// carry the ID of the request they answer.
type Message struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id,omitempty"`
	Src      string      `json:"src,omitempty"`
	Time     float64     `json:"time"`
	Duration float64     `json:"duration,omitempty"`
	Width    int         `json:"width,omitempty"`
	Height   int         `json:"height,omitempty"`
	Error    string      `json:"error,omitempty"`
	Event    string      `json:"event,omitempty"`
	Data     any         `json:"data,omitempty"`
}

// StatusData is the payload of a status reply
type StatusData struct {
	Connected bool `json:"connected"`
	Animating bool `json:"animating"`
	State     any  `json:"state,omitempty"`
}
