package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// quote renders s as a double-quoted command argument.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", "")
	return `"` + r.Replace(s) + `"`
}

// giveDocumentCommand grants a written document carrying the seed key.
func giveDocumentCommand(playerID, item, title, author string, pages []string) string {
	quoted := make([]string, len(pages))
	for i, p := range pages {
		quoted[i] = quote(p)
	}
	return fmt.Sprintf("give %s %s{title:%s,author:%s,pages:[%s]} 1",
		quote(playerID), item, quote(title), quote(author), strings.Join(quoted, ","))
}

// noticeCommand sends a chat line to one player.
func noticeCommand(playerID, text string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(map[string]string{"text": text})
	return fmt.Sprintf("tellraw %s %s", quote(playerID), bytes.TrimSpace(buf.Bytes()))
}

func carrierPages(key string) []string {
	return []string{key + "\nHold this near a portal to travel."}
}
