package chat

import (
	"testing"

	"github.com/petervdpas/roomchat/internal/api"
	"github.com/petervdpas/roomchat/internal/proto"
)

func TestReconcileConfirmationReplacesPendingInPlace(t *testing.T) {
	list := []proto.Message{
		{ID: "m0", ConversationID: "c1", Message: "earlier", Status: proto.StatusRead},
		{TempID: "t1", ConversationID: "c1", Message: "hello", Status: proto.StatusSending},
		{ID: "m9", ConversationID: "c1", Message: "after", Status: proto.StatusSent},
	}
	list, out := reconcile(list, proto.Message{ID: "m1", TempID: "t1", ConversationID: "c1", Message: "hello", Status: proto.StatusSent})
	if out != outcomeReplaced {
		t.Fatalf("outcome = %s", out)
	}
	if len(list) != 3 || list[1].ID != "m1" || list[1].Status != proto.StatusSent {
		t.Fatalf("list = %+v", list)
	}
	for _, m := range list {
		if m.ID == "" {
			t.Fatalf("pending row left behind: %+v", m)
		}
	}
}

func TestReconcileStatusNeverRegresses(t *testing.T) {
	list := []proto.Message{{ID: "m1", TempID: "t1", Status: proto.StatusDelivered}}
	list, out := reconcile(list, proto.Message{ID: "m1", Status: proto.StatusSent})
	if out != outcomeDropped || list[0].Status != proto.StatusDelivered {
		t.Fatalf("out=%s status=%s", out, list[0].Status)
	}
	list, _ = reconcile(list, proto.Message{ID: "m1", Status: proto.StatusRead, IsRead: true})
	if list[0].Status != proto.StatusRead || !list[0].IsRead {
		t.Fatalf("status must move forward, got %+v", list[0])
	}

	pending := []proto.Message{{TempID: "t2", Status: proto.StatusSent}}
	pending, _ = reconcile(pending, proto.Message{TempID: "t2", Status: proto.StatusSending})
	if pending[0].Status != proto.StatusSent {
		t.Fatalf("pending status regressed to %s", pending[0].Status)
	}
}

func TestReconcileAppendsUnknown(t *testing.T) {
	list, out := reconcile(nil, proto.Message{ID: "m1"})
	if out != outcomeAppended || len(list) != 1 {
		t.Fatalf("out=%s list=%v", out, list)
	}
	list, out = reconcile(list, proto.Message{TempID: "other"})
	if out != outcomeAppended || len(list) != 2 {
		t.Fatalf("out=%s list=%v", out, list)
	}
}

func TestPrependPageSkipsKnownKeys(t *testing.T) {
	list := []proto.Message{{ID: "m3"}, {TempID: "t4"}}
	page := []proto.Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}, {ID: "m2"}}
	merged, added := prependPage(list, page)
	if added != 2 || len(merged) != 4 {
		t.Fatalf("added=%d merged=%v", added, merged)
	}
	if merged[0].ID != "m1" || merged[2].ID != "m3" || merged[3].TempID != "t4" {
		t.Fatalf("order = %+v", merged)
	}
	if _, n := prependPage(merged, page); n != 0 {
		t.Fatalf("second prepend added %d", n)
	}
}

func TestSortConversationsNullLastAndStable(t *testing.T) {
	list := []proto.Conversation{
		{ID: "none1"},
		{ID: "old", LastMessageTime: ts(1)},
		{ID: "none2"},
		{ID: "new", LastMessageTime: ts(5)},
		{ID: "tieA", LastMessageTime: ts(3)},
		{ID: "tieB", LastMessageTime: ts(3)},
	}
	sortConversations(list)
	want := []string{"new", "tieA", "tieB", "old", "none1", "none2"}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("position %d = %s, want %s (%v)", i, list[i].ID, id, list)
		}
	}
}

func TestTouchConversation(t *testing.T) {
	list := []proto.Conversation{{ID: "a", LastMessageTime: ts(9)}, {ID: "b", LastMessageTime: ts(1)}}
	if touchConversation(list, proto.Message{ConversationID: "zzz"}) {
		t.Fatal("unknown conversation must report false")
	}
	if !touchConversation(list, proto.Message{ConversationID: "b", Message: "yo", CreatedAt: ts(20)}) {
		t.Fatal("known conversation must report true")
	}
	if list[0].ID != "b" || *list[0].LastMessageContent != "yo" {
		t.Fatalf("list = %+v", list)
	}
}

func TestConversationFactory(t *testing.T) {
	c := NewConversation("c1", "", "", "", []proto.ParticipantInfo{
		{UserID: "u1", Username: "first"}, {UserID: "u1", Username: "dup"}, {UserID: ""}, {UserID: "u2"},
	})
	if c.Type != proto.ConversationPrivate || len(c.Participants) != 2 || c.Participants[0].Username != "first" {
		t.Fatalf("conversation = %+v", c)
	}

	group := fromCreated(&api.ConversationCreated{ID: "g", Type: proto.ConversationGroup, Name: ""}, "u9", "nine")
	if group.Name != "" || !group.HasParticipant("u9") {
		t.Fatalf("group = %+v", group)
	}
}

func TestReconcileConfirmationWithoutStatusIsSent(t *testing.T) {
	list := []proto.Message{{TempID: "t1", ConversationID: "c1", Message: "hi", Status: proto.StatusSending}}

	list, out := reconcile(list, proto.Message{ID: "m1", TempID: "t1", ConversationID: "c1", Message: "hi"})
	if out != outcomeReplaced {
		t.Fatalf("outcome = %s", out)
	}
	if list[0].ID != "m1" || list[0].Status != proto.StatusSent {
		t.Fatalf("row = %+v", list[0])
	}

	list, _ = reconcile(list, proto.Message{ID: "m2", TempID: "t2", Status: "QUEUED"})
	if list[1].Status != proto.StatusSent {
		t.Fatalf("unknown status kept on confirmed row: %+v", list[1])
	}
	for _, m := range list {
		if !m.Pending() && m.Status == proto.StatusSending {
			t.Fatalf("confirmed row still sending: %+v", m)
		}
	}
}
