package server

import (
	"fmt"
	"strings"
)

// Wire protocol: newline-delimited UTF-8 text frames, one connection per
// client. Each frame is TYPE or TYPE:payload with colon-delimited
// sub-fields.

// Client -> server frame types.
const (
	FrameLogin         = "LOGIN"          // LOGIN:user:hash
	FrameRegister      = "REGISTER"       // REGISTER:user:hash
	FrameChat          = "CHAT"           // CHAT:text
	FrameSetDND        = "SET_DND"        // SET_DND:ON|OFF
	FrameEnterSpectate = "ENTER_SPECTATE" // ENTER_SPECTATE:target
	FrameExitSpectate  = "EXIT_SPECTATE"
	FrameDuelRequest   = "DUEL_REQUEST" // DUEL_REQUEST:target
	FrameDuelAccept    = "DUEL_ACCEPT"
	FrameDuelDecline   = "DUEL_DECLINE"
	FrameAttack        = "ATTACK"
	FrameQteResult     = "QTE_RESULT" // QTE_RESULT:NONE|HALF|MISS
	FrameGetPlayers    = "GET_PLAYERS"
)

// Server -> client frame types.
const (
	FrameLoginOK       = "LOGIN_OK"
	FrameLoginFail     = "LOGIN_FAIL"
	FrameRegisterOK    = "REGISTER_OK"
	FrameRegisterFail  = "REGISTER_FAIL"
	FramePlayerList    = "PLAYER_LIST"
	FrameDuelRequested = "DUEL_REQUESTED"
	FrameDuelDeclined  = "DUEL_DECLINED"
	FrameDuelStart     = "DUEL_START"
	FrameTurnChange    = "TURN_CHANGE"
	FrameQteStart      = "QTE_START"
	FrameHPUpdate      = "HP_UPDATE"
	FrameDuelEnd       = "DUEL_END"
	FrameError         = "ERROR"
)

// SenderServer is the chat sender reserved for system messages.
const SenderServer = "SERVER"

// ParseFrame splits a raw line into its type and payload. A frame with
// no colon has an empty payload.
func ParseFrame(line string) (frameType, payload string) {
	frameType, payload, _ = strings.Cut(line, ":")
	return frameType, payload
}

// Frame joins a frame type and payload fields into one wire frame.
func Frame(frameType string, fields ...string) string {
	if len(fields) == 0 {
		return frameType
	}
	return frameType + ":" + strings.Join(fields, ":")
}

func errorFrame(text string) string {
	return Frame(FrameError, text)
}

func chatFrame(sender, text string) string {
	return Frame(FrameChat, sender, text)
}

func serverChatFrame(format string, args ...any) string {
	return chatFrame(SenderServer, fmt.Sprintf(format, args...))
}

func hpUpdateFrame(playerID string, hp int) string {
	return Frame(FrameHPUpdate, playerID, fmt.Sprintf("%d", hp))
}

// playerListFrame renders PLAYER_LIST:user,status;user,status;...
func playerListFrame(players []PlayerPresence) string {
	var sb strings.Builder
	sb.WriteString(FramePlayerList + ":")
	for _, p := range players {
		sb.WriteString(p.Username)
		sb.WriteString(",")
		sb.WriteString(string(p.Status))
		sb.WriteString(";")
	}
	return sb.String()
}
