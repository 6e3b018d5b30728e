package mtproto

import (
	"github.com/gotd/td/tg"

	"groupcast/internal/domain"
)

const (
	dialogsPageSize = 100
	maxDialogPages  = 50
)

// dialogsPage is one answer of messages.getDialogs.
type dialogsPage struct {
	dialogs  []tg.DialogClass
	messages []tg.MessageClass
	chats    []tg.ChatClass
	users    []tg.UserClass
}

// next builds the request for the page after p. The offset is the last
// dialog's top message; ok is false when it cannot be resolved.
func (p dialogsPage) next() (*tg.MessagesGetDialogsRequest, bool) {
	if len(p.dialogs) == 0 {
		return nil, false
	}
	last, ok := p.dialogs[len(p.dialogs)-1].(*tg.Dialog)
	if !ok {
		return nil, false
	}
	date := 0
	for _, m := range p.messages {
		switch v := m.(type) {
		case *tg.Message:
			if v.ID == last.TopMessage && samePeer(v.PeerID, last.Peer) {
				date = v.Date
			}
		case *tg.MessageService:
			if v.ID == last.TopMessage && samePeer(v.PeerID, last.Peer) {
				date = v.Date
			}
		}
	}
	peer, ok := p.inputPeerOf(last.Peer)
	if !ok {
		return nil, false
	}
	return &tg.MessagesGetDialogsRequest{
		OffsetDate: date,
		OffsetID:   last.TopMessage,
		OffsetPeer: peer,
		Limit:      dialogsPageSize,
	}, true
}

func (p dialogsPage) inputPeerOf(peer tg.PeerClass) (tg.InputPeerClass, bool) {
	switch v := peer.(type) {
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: v.ChatID}, true
	case *tg.PeerChannel:
		for _, c := range p.chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == v.ChannelID {
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
			}
		}
	case *tg.PeerUser:
		for _, u := range p.users {
			if user, ok := u.(*tg.User); ok && user.ID == v.UserID {
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, true
			}
		}
	}
	return nil, false
}

func samePeer(a, b tg.PeerClass) bool {
	switch x := a.(type) {
	case *tg.PeerUser:
		y, ok := b.(*tg.PeerUser)
		return ok && x.UserID == y.UserID
	case *tg.PeerChat:
		y, ok := b.(*tg.PeerChat)
		return ok && x.ChatID == y.ChatID
	case *tg.PeerChannel:
		y, ok := b.(*tg.PeerChannel)
		return ok && x.ChannelID == y.ChannelID
	}
	return false
}

func inputPeer(g domain.Group) tg.InputPeerClass {
	if g.Kind == domain.PeerChannel {
		return &tg.InputPeerChannel{ChannelID: g.GroupID, AccessHash: g.AccessHash}
	}
	return &tg.InputPeerChat{ChatID: g.GroupID}
}

// groupsOf keeps basic groups and supergroups the account still sits in.
// Broadcast channels are skipped: members cannot post there.
func groupsOf(accountID int64, chats []tg.ChatClass) []domain.Group {
	out := make([]domain.Group, 0, len(chats))
	for _, c := range chats {
		switch v := c.(type) {
		case *tg.Chat:
			if v.Left || v.Deactivated {
				continue
			}
			out = append(out, domain.Group{AccountID: accountID, GroupID: v.ID, Kind: domain.PeerChat, Title: v.Title, Active: true})
		case *tg.Channel:
			if v.Left || (v.Broadcast && !v.Megagroup) {
				continue
			}
			out = append(out, domain.Group{
				AccountID:  accountID,
				GroupID:    v.ID,
				Kind:       domain.PeerChannel,
				AccessHash: v.AccessHash,
				Title:      v.Title,
				Active:     true,
			})
		}
	}
	return out
}

// toEntities converts stored formatting into API entities. Unknown kinds are
// dropped and the text is sent plain there.
func toEntities(es []domain.Entity) []tg.MessageEntityClass {
	if len(es) == 0 {
		return nil
	}
	out := make([]tg.MessageEntityClass, 0, len(es))
	for _, e := range es {
		var m tg.MessageEntityClass
		switch e.Type {
		case "bold":
			m = &tg.MessageEntityBold{Offset: e.Offset, Length: e.Length}
		case "italic":
			m = &tg.MessageEntityItalic{Offset: e.Offset, Length: e.Length}
		case "underline":
			m = &tg.MessageEntityUnderline{Offset: e.Offset, Length: e.Length}
		case "strikethrough":
			m = &tg.MessageEntityStrike{Offset: e.Offset, Length: e.Length}
		case "spoiler":
			m = &tg.MessageEntitySpoiler{Offset: e.Offset, Length: e.Length}
		case "code":
			m = &tg.MessageEntityCode{Offset: e.Offset, Length: e.Length}
		case "pre":
			m = &tg.MessageEntityPre{Offset: e.Offset, Length: e.Length, Language: e.Language}
		case "text_link":
			m = &tg.MessageEntityTextURL{Offset: e.Offset, Length: e.Length, URL: e.URL}
		case "blockquote":
			m = &tg.MessageEntityBlockquote{Offset: e.Offset, Length: e.Length}
		default:
			continue
		}
		out = append(out, m)
	}
	return out
}
