package protocol

import "strconv"

// MessageType tags every frame. The ordinals are part of the wire format
// and must never be reordered.
type MessageType int16

// Server replies and notices
const (
	TypeSystemOK          MessageType = 0
	TypeSystemError       MessageType = 1
	TypeSystemUnknown     MessageType = 2
	TypeSystemLoginOK     MessageType = 3
	TypeSystemLoginFailed MessageType = 4
	TypeSystemUnjoinRoom  MessageType = 5
	TypeSystemJoinRoomOK  MessageType = 6
	TypeSystemLeaveRoomOK MessageType = 7
	TypeSystemMessageOK   MessageType = 8
)

// Client requests. CLIENT_MESSAGE, CLIENT_IMAGE_MESSAGE and
// CLIENT_FILE_MESSAGE are also used for relays to room members.
const (
	TypeClientLogin           MessageType = 9
	TypeClientLogout          MessageType = 10
	TypeClientJoinRoom        MessageType = 11
	TypeClientLeaveRoom       MessageType = 12
	TypeClientListJoinedRooms MessageType = 13
	TypeClientMessage         MessageType = 14
	TypeClientImageMessage    MessageType = 15
	TypeClientDisconnect      MessageType = 16
)

const (
	TypeNoLogged           MessageType = 17
	TypeAlreadyJoined      MessageType = 18
	TypeClientPushFile     MessageType = 19
	TypeClientPullFile     MessageType = 20
	TypeClientFileMessage  MessageType = 21
	TypeSystemFileTransfer MessageType = 22
	TypeSystemMessage      MessageType = 23
)

var typeNames = [...]string{
	TypeSystemOK:              "SYSTEM_OK",
	TypeSystemError:           "SYSTEM_ERROR",
	TypeSystemUnknown:         "SYSTEM_UNKNOWN",
	TypeSystemLoginOK:         "SYSTEM_LOGIN_OK",
	TypeSystemLoginFailed:     "SYSTEM_LOGIN_FAILED",
	TypeSystemUnjoinRoom:      "SYSTEM_UNJOIN_ROOM",
	TypeSystemJoinRoomOK:      "SYSTEM_JOIN_ROOM_OK",
	TypeSystemLeaveRoomOK:     "SYSTEM_LEAVE_ROOM_OK",
	TypeSystemMessageOK:       "SYSTEM_MESSAGE_OK",
	TypeClientLogin:           "CLIENT_LOGIN",
	TypeClientLogout:          "CLIENT_LOGOUT",
	TypeClientJoinRoom:        "CLIENT_JOIN_ROOM",
	TypeClientLeaveRoom:       "CLIENT_LEAVE_ROOM",
	TypeClientListJoinedRooms: "CLIENT_LIST_JOINED_ROOMS",
	TypeClientMessage:         "CLIENT_MESSAGE",
	TypeClientImageMessage:    "CLIENT_IMAGE_MESSAGE",
	TypeClientDisconnect:      "CLIENT_DISCONNECT",
	TypeNoLogged:              "NO_LOGGED",
	TypeAlreadyJoined:         "ALREADY_JOINNED",
	TypeClientPushFile:        "CLIENT_PUSH_FILE",
	TypeClientPullFile:        "CLIENT_PULL_FILE",
	TypeClientFileMessage:     "CLIENT_FILE_MESSAGE",
	TypeSystemFileTransfer:    "SYSTEM_FILE_TRANSFER",
	TypeSystemMessage:         "SYSTEM_MESSAGE",
}

// IsKnown reports whether t is one of the defined ordinals.
func (t MessageType) IsKnown() bool {
	return t >= 0 && int(t) < len(typeNames)
}

func (t MessageType) String() string {
	if t.IsKnown() {
		return typeNames[t]
	}
	return "MessageType(" + strconv.Itoa(int(t)) + ")"
}
