package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):  会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID): 会话内 userId→displayName 映射（Hash）
// {sessionID} 作为 hash tag，保证集群模式下两个键落在同一个 slot（Lua 脚本要求）

const (
	keyRoomFmt  = "paramsync:presence:{%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "paramsync:presence:names:{%s}" // Hash<userId -> displayName>
)

func roomKey(sessionID string) string  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
