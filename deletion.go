package rentwheel

import (
	"context"
	"errors"
)

const deleteDeniedNotice = "You can only delete your own messages"

// Delete removes m if the signed-in user authored it and the backend has
// assigned it a durable id. Denied requests never reach the network and leave
// the list untouched.
func (s *Session) Delete(ctx context.Context, m Message) error {
	const op = "delete"
	c := s.chat
	if c.self == "" {
		err := newError(KindUnauthenticated, op, "", nil)
		c.notice(err)
		return err
	}
	if m.SenderID != c.self {
		err := newError(KindUnauthorized, op, deleteDeniedNotice, errors.New("not the author"))
		c.notice(err)
		return err
	}
	if !m.ID.IsDurable() {
		err := newError(KindUnauthorized, op, deleteDeniedNotice, errors.New("message is not persisted yet"))
		c.notice(err)
		return err
	}

	err := c.backend.DeleteMessage(ctx, s.conv.ID, m.ID.Value, c.self)
	if err != nil {
		err = asKind(op, err)
		c.notice(err)
		if KindOf(err) != KindNotFound {
			s.log.Warn().Err(err).Str("message_id", m.ID.Value).Msg("delete failed")
			return err
		}
		// Already gone on the backend; drop the stale entry.
	}

	if s.Open() && s.store.Remove(m.ID) {
		c.emit(EventMessageDeleted, m)
		s.changed()
	}
	return err
}

// DeleteByID looks id up in the open list and deletes it.
func (s *Session) DeleteByID(ctx context.Context, id MessageID) error {
	m, ok := s.store.Get(id)
	if !ok {
		err := newError(KindNotFound, "delete", "", errors.New("message not in conversation"))
		s.chat.notice(err)
		return err
	}
	return s.Delete(ctx, m)
}
