package message

import "regexp"

// mentionPillRE matches the HTML pills Matrix clients emit for mentions:
// <a href="https://matrix.to/#/@user:domain">Display Name</a>
var mentionPillRE = regexp.MustCompile(`<a href="https://matrix\.to/#/(@[^"]+)">([^<]+)</a>`)

// FlattenMentions rewrites Matrix mention pills as plain @name tokens so
// mentions stay readable on the Rocket.Chat side.
func FlattenMentions(formatted string) string {
	return mentionPillRE.ReplaceAllString(formatted, "@$2")
}
