package classify

import "strings"

// Server message fragments that mark session-level events.
const (
	MsgConnectionReceived   = "connection received: host="
	MsgConnectionAuthorized = "connection authorized: user="
	MsgDisconnection        = "disconnection: session time:"
	MsgShutdown             = "database system was shut down at"
	MsgShutdownInRecovery   = "database system was shut down in recovery at"
	MsgInterrupted          = "database system was interrupted"
	MsgReady                = "database system is ready to accept connections"
	MsgReplication          = "received replication command: BASE_BACKUP"
	MsgNewTimeline          = "selected new timeline ID:"
)

var (
	connectMessages = []string{MsgConnectionReceived, MsgConnectionAuthorized, MsgDisconnection}
	systemMessages  = []string{MsgShutdown, MsgShutdownInRecovery, MsgInterrupted, MsgReady, MsgNewTimeline}
)

// ClassifyMessage classifies a server message that did not come from a parsed
// statement. ok is false when the message is not interesting to audit.
//
// Base backups are reported with the BACKUP bit but the SYSTEM class name.
func ClassifyMessage(message, sqlstate string) (Class, string, bool) {
	switch {
	case containsAny(message, connectMessages):
		return ClassConnect, ClassConnect.String(), true
	case containsAny(message, systemMessages):
		return ClassSystem, ClassSystem.String(), true
	case strings.Contains(message, MsgReplication):
		return ClassBackup, ClassSystem.String(), true
	case sqlstate != "" && !strings.HasPrefix(sqlstate, "00"):
		return ClassError, ClassError.String(), true
	}
	return ClassNone, "", false
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
