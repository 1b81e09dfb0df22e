package message

import "testing"

func TestFlattenMentions_NoPills(t *testing.T) {
	out := FlattenMentions("nothing to see here")
	if out != "nothing to see here" {
		t.Fatalf("out: %q", out)
	}
}

func TestFlattenMentions_SinglePill(t *testing.T) {
	out := FlattenMentions(`hey <a href="https://matrix.to/#/@alice:localhost">alice</a>!`)
	if out != "hey @alice!" {
		t.Fatalf("out: %q", out)
	}
}

func TestFlattenMentions_UsesDisplayName(t *testing.T) {
	out := FlattenMentions(`<a href="https://matrix.to/#/@rocketchat_rc_joeid:localhost">joe</a> ping`)
	if out != "@joe ping" {
		t.Fatalf("out: %q", out)
	}
}

func TestFlattenMentions_MultiplePills(t *testing.T) {
	out := FlattenMentions(`<a href="https://matrix.to/#/@a:localhost">a</a> and <a href="https://matrix.to/#/@b:localhost">b</a>`)
	if out != "@a and @b" {
		t.Fatalf("out: %q", out)
	}
}

func TestFlattenMentions_IgnoresRoomLinks(t *testing.T) {
	in := `see <a href="https://matrix.to/#/#room:localhost">the room</a>`
	if out := FlattenMentions(in); out != in {
		t.Fatalf("out: %q", out)
	}
}
