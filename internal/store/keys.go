package store

const namespace = "browserhub"

// SessionPrefix is shared by every session entry key
const SessionPrefix = namespace + ":session:"

func SessionKey(sessionID string) string { return SessionPrefix + sessionID }

func CreateLockKey(sessionID string) string { return namespace + ":lock:create:" + sessionID }

func CommandStream(userID, sessionID string) string {
	return namespace + ":cmd:" + userID + ":" + sessionID
}

func ResultStream(userID, sessionID string) string {
	return namespace + ":result:" + userID + ":" + sessionID
}

func StatusStream(userID, sessionID string) string {
	return namespace + ":status:" + userID + ":" + sessionID
}

// WorkerCursorKey holds the id of the last command whose result was published
func WorkerCursorKey(userID, sessionID string) string {
	return namespace + ":worker:cursor:" + userID + ":" + sessionID
}

func WorkerLeaseKey(userID, sessionID string) string {
	return namespace + ":worker:lease:" + userID + ":" + sessionID
}

func StopKey(userID, sessionID string) string {
	return namespace + ":worker:stop:" + userID + ":" + sessionID
}
