package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/pebble"

	"metafeed/pkg/bfe"
	"metafeed/pkg/logger"
	"metafeed/pkg/models"
	"metafeed/pkg/security"
	"metafeed/pkg/telemetry"
)

// Key layout:
//
//	msg:<author>:<seq %020d>                  message JSON (the feed log)
//	log:<gseq %020d>                          global append order -> msg key
//	key:<message id>                          message id -> msg key
//	idx:subfeed:<subfeed>:<gseq %020d>        -> msg key
//	idx:type:<type>:<author>:<seq %020d>      -> msg key
//	idx:enc:<gseq %020d>                      sealed, not yet openable -> msg key
type PebbleLog struct {
	db   *pebble.DB
	path string

	mu   sync.Mutex
	gseq uint64
	ring security.Keyring

	subMu      sync.Mutex
	nextSubID  int
	liveSubs   map[int]chan *models.Message
	reindexSub map[int]chan *models.Message
}

const subBuffer = 1024

// Open opens (or creates) a Pebble-backed log at the given path.
func Open(path string) (*PebbleLog, error) {
	logger.Info("opening_pebble_log", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	p := &PebbleLog{
		db:         db,
		path:       path,
		liveSubs:   map[int]chan *models.Message{},
		reindexSub: map[int]chan *models.Message{},
	}
	if err := p.loadGlobalSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("pebble_log_opened", "path", path, "entries", p.gseq)
	return p, nil
}

// Close closes the database and all subscription channels.
func (p *PebbleLog) Close() error {
	p.subMu.Lock()
	for id, ch := range p.liveSubs {
		close(ch)
		delete(p.liveSubs, id)
	}
	for id, ch := range p.reindexSub {
		close(ch)
		delete(p.reindexSub, id)
	}
	p.subMu.Unlock()
	if err := p.db.Close(); err != nil {
		return err
	}
	logger.Info("pebble_log_closed", "path", p.path)
	return nil
}

func (p *PebbleLog) loadGlobalSeq() error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("log:"),
		UpperBound: []byte("log;"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() && iter.Valid() {
		var n uint64
		if _, err := fmt.Sscanf(string(iter.Key()), "log:%020d", &n); err == nil {
			p.gseq = n
		}
	}
	return iter.Error()
}

func msgKey(author string, seq int64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", author, seq))
}

// AddBoxKey registers an additional sealing key for later reads and
// reindex sweeps.
func (p *PebbleLog) AddBoxKey(key security.BoxKey) {
	p.ring.Add(key)
}

// decode unmarshals a stored message and, when it is sealed and a ring key
// matches, populates its content in place.
func (p *PebbleLog) decode(value []byte) (*models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("invalid stored message: %w", err)
	}
	p.tryOpen(&msg)
	return &msg, nil
}

func (p *PebbleLog) tryOpen(msg *models.Message) bool {
	if !msg.IsEncrypted() {
		return msg.Content != nil
	}
	plain, ok := p.ring.Open(msg.Encrypted)
	if !ok {
		return false
	}
	var section struct {
		Content   *models.Content `json:"content"`
		Signature string          `json:"content_signature,omitempty"`
	}
	if err := json.Unmarshal(plain, &section); err != nil || section.Content == nil {
		return false
	}
	msg.Content = section.Content
	msg.ContentSignature = section.Signature
	return true
}

// Add appends a fully-built message. Sequence, previous link and message id
// are (re)assigned under the store lock so concurrent appends by the same
// author cannot collide; the content section is untouched.
func (p *PebbleLog) Add(msg *models.Message) (*models.Message, error) {
	if msg == nil || msg.Author == "" {
		return nil, fmt.Errorf("%w: message author is required", models.ErrInvalidArgument)
	}
	if msg.Content == nil && len(msg.Encrypted) == 0 {
		return nil, fmt.Errorf("%w: message has no content", models.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	latest, err := p.latestLocked(msg.Author)
	if err != nil {
		return nil, err
	}
	msg.Sequence = 1
	msg.Previous = ""
	if latest != nil {
		msg.Sequence = latest.Sequence + 1
		msg.Previous = latest.Key
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if err := p.assignKey(msg); err != nil {
		return nil, err
	}
	if err := p.writeLocked(msg); err != nil {
		return nil, err
	}
	telemetry.MessagesAppended.WithLabelValues(models.DetectFormat(msg.Author)).Inc()
	logger.Debug("message_appended", "author", msg.Author, "seq", msg.Sequence, "key", msg.Key)
	p.notifyLive(msg)
	return msg, nil
}

// Publish appends new content on the author's own feed, sealing the
// payload when the content names recipients.
func (p *PebbleLog) Publish(content *models.Content, author models.KeyPair) (*models.Message, error) {
	if content == nil {
		return nil, fmt.Errorf("%w: content is required", models.ErrInvalidArgument)
	}
	msg := &models.Message{Author: author.ID, Content: content}
	if len(content.Recps) > 0 {
		selfKey, err := security.SelfKey(author)
		if err != nil {
			return nil, err
		}
		p.ring.Add(selfKey)
		plain, err := json.Marshal(struct {
			Content *models.Content `json:"content"`
		}{content})
		if err != nil {
			return nil, err
		}
		sealed, err := security.Seal(plain, selfKey)
		if err != nil {
			return nil, err
		}
		// only the sealed blob is persisted
		msg.Content = nil
		msg.Encrypted = sealed
	}
	return p.Add(msg)
}

// assignKey computes the message id over the envelope. The id format
// follows the author's feed format.
func (p *PebbleLog) assignKey(msg *models.Message) error {
	envelope, err := json.Marshal(struct {
		Author    string          `json:"author"`
		Sequence  int64           `json:"sequence"`
		Previous  string          `json:"previous,omitempty"`
		Timestamp int64           `json:"ts"`
		Content   *models.Content `json:"content,omitempty"`
		Encrypted []byte          `json:"encrypted,omitempty"`
	}{msg.Author, msg.Sequence, msg.Previous, msg.Timestamp, msg.Content, msg.Encrypted})
	if err != nil {
		return err
	}
	if models.DetectFormat(msg.Author) == models.FormatClassic {
		msg.Key = bfe.ClassicMessageID(envelope)
	} else {
		msg.Key = bfe.MessageID(envelope)
	}
	return nil
}

func (p *PebbleLog) writeLocked(msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	primary := msgKey(msg.Author, msg.Sequence)
	batch := p.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(primary, data, nil); err != nil {
		return err
	}
	p.gseq++
	gkey := fmt.Sprintf("log:%020d", p.gseq)
	if err := batch.Set([]byte(gkey), primary, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte("key:"+msg.Key), primary, nil); err != nil {
		return err
	}

	if msg.Content != nil {
		if err := p.indexContent(batch, msg, primary, p.gseq); err != nil {
			return err
		}
	} else {
		encKey := fmt.Sprintf("idx:enc:%020d", p.gseq)
		if err := batch.Set([]byte(encKey), primary, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

type indexSetter interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

// indexContent writes the secondary index entries for one message. gseq is
// the message's own position in the global log, which on the reindex path
// differs from the current head.
func (p *PebbleLog) indexContent(w indexSetter, msg *models.Message, primary []byte, gseq uint64) error {
	typeKey := fmt.Sprintf("idx:type:%s:%s:%020d", msg.Content.Type, msg.Author, msg.Sequence)
	if err := w.Set([]byte(typeKey), primary, nil); err != nil {
		return err
	}
	if msg.Content.Subfeed != "" {
		subKey := fmt.Sprintf("idx:subfeed:%s:%020d", msg.Content.Subfeed, gseq)
		if err := w.Set([]byte(subKey), primary, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *PebbleLog) latestLocked(author string) (*models.Message, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("msg:" + author + ":"),
		UpperBound: []byte("msg:" + author + ";"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if !iter.Last() || !iter.Valid() {
		return nil, iter.Error()
	}
	return p.decode(iter.Value())
}

// Latest returns the author's newest message, or nil when the feed is
// empty.
func (p *PebbleLog) Latest(author string) (*models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestLocked(author)
}

// Get fetches one message by id.
func (p *PebbleLog) Get(key string) (*models.Message, error) {
	ref, closer, err := p.db.Get([]byte("key:" + key))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("message %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	primary := append([]byte(nil), ref...)
	_ = closer.Close()
	v, closer, err := p.db.Get(primary)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return p.decode(v)
}

// QueryByAuthor returns the author's messages in append order.
func (p *PebbleLog) QueryByAuthor(author string) ([]*models.Message, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("msg:" + author + ":"),
		UpperBound: []byte("msg:" + author + ";"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		msg, err := p.decode(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, iter.Error()
}

// QueryByAuthorAndType returns the author's messages matching any of the
// given content types, in append order. Sealed messages that cannot be
// opened are skipped.
func (p *PebbleLog) QueryByAuthorAndType(author string, types ...string) ([]*models.Message, error) {
	msgs, err := p.QueryByAuthor(author)
	if err != nil {
		return nil, err
	}
	var out []*models.Message
	for _, msg := range msgs {
		if msg.Content == nil {
			continue
		}
		for _, t := range types {
			if msg.Content.Type == t {
				out = append(out, msg)
				break
			}
		}
	}
	return out, nil
}

// QueryBySubfeed returns every message whose content names the given
// subfeed, across authors, in global append order.
func (p *PebbleLog) QueryBySubfeed(subfeed string) ([]*models.Message, error) {
	prefix := "idx:subfeed:" + subfeed + ":"
	return p.collectRefs(prefix)
}

// QueryByFormat returns every readable message authored by a feed of the
// given format, in global append order.
func (p *PebbleLog) QueryByFormat(format string) ([]*models.Message, error) {
	msgs, err := p.collectRefs("log:")
	if err != nil {
		return nil, err
	}
	var out []*models.Message
	for _, msg := range msgs {
		if models.DetectFormat(msg.Author) != format {
			continue
		}
		if msg.Content == nil {
			// sealed and unreadable: absent until a reindex resupplies it
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (p *PebbleLog) collectRefs(prefix string) ([]*models.Message, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []*models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		primary := append([]byte(nil), iter.Value()...)
		v, closer, err := p.db.Get(primary)
		if err != nil {
			if err == pebble.ErrNotFound {
				continue
			}
			return nil, err
		}
		msg, derr := p.decode(v)
		_ = closer.Close()
		if derr != nil {
			return nil, derr
		}
		out = append(out, msg)
	}
	return out, iter.Error()
}

func upperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

// SubscribeLive delivers every message appended after the call.
func (p *PebbleLog) SubscribeLive() (<-chan *models.Message, func()) {
	return p.subscribe(p.liveSubs)
}

// OnReindexed delivers messages that became readable after initial
// ingestion.
func (p *PebbleLog) OnReindexed() (<-chan *models.Message, func()) {
	return p.subscribe(p.reindexSub)
}

func (p *PebbleLog) subscribe(set map[int]chan *models.Message) (<-chan *models.Message, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan *models.Message, subBuffer)
	set[id] = ch
	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if c, ok := set[id]; ok {
			delete(set, id)
			close(c)
		}
	}
}

func (p *PebbleLog) notifyLive(msg *models.Message) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.liveSubs {
		select {
		case ch <- msg:
		default:
			// slow consumer: drop rather than stall every append
			telemetry.NotificationsDropped.Inc()
		}
	}
}

func (p *PebbleLog) notifyReindexed(msg *models.Message) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.reindexSub {
		select {
		case ch <- msg:
		default:
			telemetry.NotificationsDropped.Inc()
		}
	}
}

// Reindex runs one sweep over sealed messages that were unreadable at
// append time, re-attempting decryption with the current keyring. Newly
// readable messages get their secondary indexes written and are emitted on
// the reindexed stream.
func (p *PebbleLog) Reindex() error {
	telemetry.ReindexSweeps.Inc()
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("idx:enc:"),
		UpperBound: []byte("idx:enc;"),
	})
	if err != nil {
		return err
	}
	type pending struct {
		encKey  []byte
		primary []byte
	}
	var todo []pending
	for iter.First(); iter.Valid(); iter.Next() {
		todo = append(todo, pending{
			encKey:  append([]byte(nil), iter.Key()...),
			primary: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for _, item := range todo {
		v, closer, err := p.db.Get(item.primary)
		if err != nil {
			if err == pebble.ErrNotFound {
				continue
			}
			return err
		}
		var msg models.Message
		derr := json.Unmarshal(v, &msg)
		_ = closer.Close()
		if derr != nil {
			return derr
		}
		if !p.tryOpen(&msg) {
			continue
		}
		// the idx:enc key carries the position the message was appended at
		var gseq uint64
		if _, err := fmt.Sscanf(string(item.encKey), "idx:enc:%020d", &gseq); err != nil {
			return fmt.Errorf("malformed reindex key %q: %w", item.encKey, err)
		}
		p.mu.Lock()
		batch := p.db.NewBatch()
		if err := p.indexContent(batch, &msg, item.primary, gseq); err != nil {
			batch.Close()
			p.mu.Unlock()
			return err
		}
		if err := batch.Delete(item.encKey, nil); err != nil {
			batch.Close()
			p.mu.Unlock()
			return err
		}
		err = batch.Commit(pebble.Sync)
		batch.Close()
		p.mu.Unlock()
		if err != nil {
			return err
		}
		telemetry.ReindexDecrypted.Inc()
		logger.Info("message_reindexed", "author", msg.Author, "key", msg.Key)
		p.notifyReindexed(&msg)
	}
	return nil
}

// StartReindexSchedule runs Reindex on the given cron schedule until the
// context is cancelled. An empty schedule disables the sweep.
func (p *PebbleLog) StartReindexSchedule(ctx context.Context, schedule string) error {
	if schedule == "" {
		return nil
	}
	if !gronx.IsValid(schedule) {
		return fmt.Errorf("%w: invalid reindex cron expression %q", models.ErrInvalidArgument, schedule)
	}
	logger.Info("reindex_schedule_started", "cron", schedule)
	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("reindex_schedule_stopping")
				return
			default:
			}
			now := time.Now().UTC()
			next, err := gronx.NextTickAfter(schedule, now, false)
			if err != nil {
				logger.Error("reindex_nexttick_failed", "cron", schedule, "error", err)
				select {
				case <-time.After(30 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case <-time.After(time.Until(next)):
				if err := p.Reindex(); err != nil {
					logger.Error("reindex_sweep_failed", "error", err)
				}
			case <-ctx.Done():
				logger.Info("reindex_schedule_stopping")
				return
			}
		}
	}()
	return nil
}

// Ready reports whether the log is open.
func (p *PebbleLog) Ready() bool {
	return p != nil && p.db != nil
}

var _ Log = (*PebbleLog)(nil)
