package store

import "strings"

const (
	keyIdentity   = "user"
	keyUserName   = "userName"
	keyUserID     = "userId"
	keyLocalUsers = "local_users"
	keyChat       = "chat_messages"
	cartKeyPrefix = "cart_"
)

// Key names one entry inside a scope. Keys can only be produced by the
// builders in this file.
type Key struct {
	name string
}

// String returns the persisted key name.
func (k Key) String() string {
	return k.name
}

// IsZero reports whether the key was built outside the package builders.
func (k Key) IsZero() bool {
	return k.name == ""
}

// IdentityKey holds the serialized active identity.
func IdentityKey() Key {
	return Key{name: keyIdentity}
}

// UserNameKey mirrors the active identity's username.
func UserNameKey() Key {
	return Key{name: keyUserName}
}

// UserIDKey mirrors the active identity's remote id.
func UserIDKey() Key {
	return Key{name: keyUserID}
}

// LocalUsersKey holds the append-only list of locally registered credentials.
func LocalUsersKey() Key {
	return Key{name: keyLocalUsers}
}

// ChatMessagesKey holds the chat message history of the scope.
func ChatMessagesKey() Key {
	return Key{name: keyChat}
}

// CartKey holds the cart snapshot of the identity with the given email.
func CartKey(email string) Key {
	return Key{name: cartKeyPrefix + email}
}

// IdentityKeys lists every key written when an identity is persisted.
func IdentityKeys() []Key {
	return []Key{IdentityKey(), UserNameKey(), UserIDKey()}
}

// CartKeyPattern is a SQL LIKE pattern, escaped with '\', that matches every
// cart snapshot key.
func CartKeyPattern() string {
	return likeEscaper.Replace(cartKeyPrefix) + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
