package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/matheus3301/chatcache/internal/msgid"
	"github.com/matheus3301/chatcache/internal/patch"
	"github.com/matheus3301/chatcache/internal/store"
	"github.com/matheus3301/chatcache/internal/transport"
)

// keyWidth is wide enough for any id below 10^48; keys compare as text in
// the same order as the ids they encode.
const keyWidth = 48

func idKey(id msgid.ID) string {
	s := id.String()
	if len(s) >= keyWidth {
		return s
	}
	return strings.Repeat("0", keyWidth-len(s)) + s
}

// SQLite is a transport.Source persisted in a SQLite database.
type SQLite struct {
	*server
	db *DB
}

// OpenSQLite opens and migrates the database at path.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLite{server: newServer(&sqliteBackend{db: db}, opts), db: db}

	last, err := db.lastID()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.last = last
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Conversations lists the conversations with stored messages.
func (s *SQLite) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conv FROM messages ORDER BY conv`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) lastID() (msgid.ID, error) {
	var key sql.NullString
	err := db.QueryRow(`
		SELECT MAX(k) FROM (
			SELECT MAX(id_key) AS k FROM messages
			UNION ALL
			SELECT MAX(id_key) AS k FROM replies
		)`).Scan(&key)
	if err != nil {
		return msgid.ID{}, fmt.Errorf("last id: %w", err)
	}
	if !key.Valid || key.String == "" {
		return msgid.ID{}, nil
	}
	digits := strings.TrimLeft(key.String, "0")
	if digits == "" {
		return msgid.New(0), nil
	}
	return msgid.Parse(digits)
}

type sqliteBackend struct {
	db *DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const messageColumns = `id, author, sent, content, nonce, edited, deleted, reply_count, last_reply, last_repliers`

// scan returns up to limit messages of conv whose key compares to key by
// cmp, walking in the given order.
func (b *sqliteBackend) scan(ctx context.Context, conv, cmp, key string, desc bool, limit int) ([]store.Entry, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conv = ? AND id_key `+cmp+` ?
		ORDER BY id_key `+order+`
		LIMIT ?`, conv, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Entry
	for rows.Next() {
		e, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if desc {
		slices.Reverse(out)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (store.Entry, error) {
	var (
		idText, repliers string
		m                store.Message
		deleted          bool
	)
	if err := row.Scan(&idText, &m.Author, &m.Sent, &m.Content, &m.Nonce, &m.Edited, &deleted,
		&m.Meta.Count, &m.Meta.LastReply, &repliers); err != nil {
		return store.Entry{}, err
	}
	id, err := msgid.Parse(idText)
	if err != nil {
		return store.Entry{}, fmt.Errorf("stored id: %w", err)
	}
	if deleted {
		return store.Entry{ID: id}, nil
	}
	if repliers != "" {
		m.Meta.LastRepliers = strings.Split(repliers, ",")
	}
	return store.Entry{ID: id, Message: &m}, nil
}

func (b *sqliteBackend) exists(ctx context.Context, conv, cmp, key string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT 1 FROM messages WHERE conv = ? AND id_key `+cmp+` ? LIMIT 1)`, conv, key).Scan(&n)
	return n > 0, err
}

func (b *sqliteBackend) fetch(ctx context.Context, conv string, anchor transport.Anchor, size int) (*store.Page, error) {
	var (
		entries              []store.Entry
		moreOlder, moreNewer bool
		err                  error
	)
	key := idKey(anchor.Time)

	switch anchor.Direction {
	case transport.Newest:
		entries, err = b.scan(ctx, conv, ">=", "", true, size+1)
		if err != nil {
			return nil, err
		}
		if len(entries) > size {
			moreOlder = true
			entries = entries[1:]
		}
	case transport.Older:
		entries, err = b.scan(ctx, conv, "<", key, true, size+1)
		if err != nil {
			return nil, err
		}
		if len(entries) > size {
			moreOlder = true
			entries = entries[1:]
		}
		if len(entries) > 0 {
			moreNewer, err = b.exists(ctx, conv, ">", idKey(entries[len(entries)-1].ID))
		}
	case transport.Newer:
		entries, err = b.scan(ctx, conv, ">", key, false, size+1)
		if err != nil {
			return nil, err
		}
		if len(entries) > size {
			moreNewer = true
			entries = entries[:size]
		}
		if len(entries) > 0 {
			moreOlder, err = b.exists(ctx, conv, "<", idKey(entries[0].ID))
		}
	case transport.Around:
		ok, lerr := b.live(ctx, conv, anchor.Time)
		if lerr != nil {
			return nil, lerr
		}
		if !ok {
			return nil, fmt.Errorf("around %s: %w", anchor.Time, transport.ErrNotFound)
		}
		before := (size - 1) / 2
		older, serr := b.scan(ctx, conv, "<", key, true, before+1)
		if serr != nil {
			return nil, serr
		}
		if len(older) > before {
			moreOlder = true
			older = older[1:]
		}
		rest := size - len(older)
		newer, serr := b.scan(ctx, conv, ">=", key, false, rest+1)
		if serr != nil {
			return nil, serr
		}
		if len(newer) > rest {
			moreNewer = true
			newer = newer[:rest]
		}
		entries = append(older, newer...)
	default:
		return nil, fmt.Errorf("fetch: unknown direction %q", anchor.Direction)
	}
	if err != nil {
		return nil, err
	}

	if err := b.attachReactions(ctx, conv, entries); err != nil {
		return nil, err
	}
	page := &store.Page{Entries: entries}
	if moreOlder && len(entries) > 0 {
		page.Older = entries[0].ID
	}
	if moreNewer && len(entries) > 0 {
		page.Newer = entries[len(entries)-1].ID
	}
	return page, nil
}

func (b *sqliteBackend) attachReactions(ctx context.Context, conv string, entries []store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	byKey := make(map[string]*store.Message, len(entries))
	for _, e := range entries {
		if e.Message != nil {
			byKey[idKey(e.ID)] = e.Message
		}
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT msg_key, author, react FROM reactions
		WHERE conv = ? AND reply_key = '' AND msg_key BETWEEN ? AND ?`,
		conv, idKey(entries[0].ID), idKey(entries[len(entries)-1].ID))
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key, author, react string
		if err := rows.Scan(&key, &author, &react); err != nil {
			return err
		}
		m, ok := byKey[key]
		if !ok {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}
		m.Reactions[author] = react
	}
	return rows.Err()
}

func (b *sqliteBackend) live(ctx context.Context, conv string, id msgid.ID) (bool, error) {
	return isLive(ctx, b.db, conv, id)
}

func isLive(ctx context.Context, q querier, conv string, id msgid.ID) (bool, error) {
	var deleted bool
	err := q.QueryRowContext(ctx, `SELECT deleted FROM messages WHERE conv = ? AND id_key = ?`, conv, idKey(id)).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !deleted, nil
}

func (b *sqliteBackend) liveReply(ctx context.Context, conv string, parent, id msgid.ID) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replies WHERE conv = ? AND parent_key = ? AND id_key = ?`,
		conv, idKey(parent), idKey(id)).Scan(&n)
	return n > 0, err
}

func (b *sqliteBackend) apply(ctx context.Context, conv string, ev patch.Event) (patch.Event, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := applyTx(ctx, tx, conv, ev)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", ev.Kind(), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func applyTx(ctx context.Context, tx *sql.Tx, conv string, ev patch.Event) (patch.Event, error) {
	switch e := ev.(type) {
	case patch.SetMessage:
		key := idKey(e.ID)
		if e.Message == nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (conv, id_key, id, deleted) VALUES (?, ?, ?, 1)
				ON CONFLICT(conv, id_key) DO UPDATE SET
					deleted = 1, content = '', reply_count = 0, last_reply = 0, last_repliers = ''`,
				conv, key, e.ID.String()); err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE conv = ? AND msg_key = ?`, conv, key); err != nil {
				return nil, err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM replies WHERE conv = ? AND parent_key = ?`, conv, key)
			return e, err
		}
		m := e.Message
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conv, id_key, id, author, sent, content, nonce, edited, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(conv, id_key) DO UPDATE SET
				author = excluded.author,
				sent = excluded.sent,
				content = excluded.content,
				nonce = excluded.nonce,
				edited = excluded.edited,
				deleted = 0`,
			conv, key, e.ID.String(), m.Author, m.Sent, m.Content, m.Nonce, m.Edited); err != nil {
			return nil, err
		}
		if err := replaceReactions(ctx, tx, conv, key, "", m.Reactions); err != nil {
			return nil, err
		}
		stored, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conv = ? AND id_key = ?`, conv, key))
		if err != nil {
			return nil, err
		}
		stored.Message.Reactions = m.Reactions
		e.Message = stored.Message
		return e, nil

	case patch.EditMessage:
		_, err := tx.ExecContext(ctx, `UPDATE messages SET content = ?, edited = 1 WHERE conv = ? AND id_key = ? AND deleted = 0`,
			e.Content, conv, idKey(e.ID))
		return e, err

	case patch.SetReaction:
		return e, setReaction(ctx, tx, conv, idKey(e.ID), "", e.Author, e.React)

	case patch.SetReplyReaction:
		return e, setReaction(ctx, tx, conv, idKey(e.ID), idKey(e.ReplyID), e.Author, e.React)

	case patch.SetReply:
		ok, err := isLive(ctx, tx, conv, e.ID)
		if err != nil || !ok {
			return e, err
		}
		parentKey, key := idKey(e.ID), idKey(e.ReplyID)
		if e.Reply == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM replies WHERE conv = ? AND parent_key = ? AND id_key = ?`, conv, parentKey, key); err != nil {
				return nil, err
			}
			if err := replaceReactions(ctx, tx, conv, parentKey, key, nil); err != nil {
				return nil, err
			}
		} else {
			r := e.Reply
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO replies (conv, parent_key, id_key, id, author, sent, content, nonce)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(conv, parent_key, id_key) DO UPDATE SET
					author = excluded.author,
					sent = excluded.sent,
					content = excluded.content,
					nonce = excluded.nonce`,
				conv, parentKey, key, e.ReplyID.String(), r.Author, r.Sent, r.Content, r.Nonce); err != nil {
				return nil, err
			}
			if err := replaceReactions(ctx, tx, conv, parentKey, key, r.Reactions); err != nil {
				return nil, err
			}
		}
		meta, err := summarize(ctx, tx, conv, parentKey)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET reply_count = ?, last_reply = ?, last_repliers = ?
			WHERE conv = ? AND id_key = ?`,
			meta.Count, meta.LastReply, strings.Join(meta.LastRepliers, ","), conv, parentKey); err != nil {
			return nil, err
		}
		e.Meta = &meta
		return e, nil
	}
	return ev, nil
}

func setReaction(ctx context.Context, tx *sql.Tx, conv, msgKey, replyKey, author, react string) error {
	if react == "" {
		_, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE conv = ? AND msg_key = ? AND reply_key = ? AND author = ?`,
			conv, msgKey, replyKey, author)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reactions (conv, msg_key, reply_key, author, react) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conv, msg_key, reply_key, author) DO UPDATE SET react = excluded.react`,
		conv, msgKey, replyKey, author, react)
	return err
}

func replaceReactions(ctx context.Context, tx *sql.Tx, conv, msgKey, replyKey string, reactions map[string]string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE conv = ? AND msg_key = ? AND reply_key = ?`,
		conv, msgKey, replyKey); err != nil {
		return err
	}
	for author, react := range reactions {
		if err := setReaction(ctx, tx, conv, msgKey, replyKey, author, react); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqliteBackend) thread(ctx context.Context, conv string, parent msgid.ID) (*store.Thread, error) {
	ok, err := b.live(ctx, conv, parent)
	if err != nil || !ok {
		return nil, err
	}
	parentKey := idKey(parent)
	replies, err := loadReplies(ctx, b.db, conv, parentKey)
	if err != nil {
		return nil, err
	}
	for _, r := range replies.All() {
		r.Parent = parent
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT reply_key, author, react FROM reactions
		WHERE conv = ? AND msg_key = ? AND reply_key != ''`, conv, parentKey)
	if err != nil {
		return nil, fmt.Errorf("list reply reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	byKey := make(map[string]*store.Reply, replies.Len())
	for id, r := range replies.All() {
		byKey[idKey(id)] = r
	}
	for rows.Next() {
		var key, author, react string
		if err := rows.Scan(&key, &author, &react); err != nil {
			return nil, err
		}
		r, ok := byKey[key]
		if !ok {
			continue
		}
		if r.Reactions == nil {
			r.Reactions = make(map[string]string)
		}
		r.Reactions[author] = react
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &store.Thread{Replies: replies, Meta: patch.Summarize(replies)}, nil
}

// loadReplies reads the thread under parentKey, oldest first.
func loadReplies(ctx context.Context, q querier, conv, parentKey string) (*store.Ordered[*store.Reply], error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, author, sent, content, nonce FROM replies
		WHERE conv = ? AND parent_key = ?
		ORDER BY id_key`, conv, parentKey)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	thread := store.NewOrdered[*store.Reply]()
	for rows.Next() {
		var (
			idText string
			r      store.Reply
		)
		if err := rows.Scan(&idText, &r.Author, &r.Sent, &r.Content, &r.Nonce); err != nil {
			return nil, err
		}
		id, err := msgid.Parse(idText)
		if err != nil {
			return nil, fmt.Errorf("stored reply id: %w", err)
		}
		thread.Upsert(id, &r)
	}
	return thread, rows.Err()
}

// summarize loads a thread and summarizes it the way the cache does.
func summarize(ctx context.Context, q querier, conv, parentKey string) (store.ReplyMeta, error) {
	thread, err := loadReplies(ctx, q, conv, parentKey)
	if err != nil {
		return store.ReplyMeta{}, err
	}
	return patch.Summarize(thread), nil
}
