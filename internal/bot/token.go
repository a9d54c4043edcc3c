package bot

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ClientIDFromToken recovers the bot user id encoded in the first segment of
// a Discord bot token.
func ClientIDFromToken(token string) (string, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bot ")
	first, _, found := strings.Cut(token, ".")
	if !found || first == "" {
		return "", errors.New("token is not in the id.timestamp.hmac form")
	}

	id, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(first, "="))
	if err != nil {
		id, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(first, "="))
	}
	if err != nil {
		return "", errors.New("token id segment is not base64")
	}
	if len(id) == 0 {
		return "", errors.New("token id segment is empty")
	}
	for _, r := range string(id) {
		if r < '0' || r > '9' {
			return "", errors.New("token id segment is not a snowflake")
		}
	}
	return string(id), nil
}
