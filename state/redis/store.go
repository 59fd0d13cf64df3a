package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/execflow/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "execflow"
)

// saveCheckpointScript upserts a checkpoint value and returns its sequence
// number. The sequence is taken from a per-run counter the first time a key
// is stored and kept afterwards.
var saveCheckpointScript = goredis.NewScript(`
local seq = redis.call("HGET", KEYS[2], ARGV[1])
if not seq then
  seq = redis.call("INCR", KEYS[3])
  redis.call("HSET", KEYS[2], ARGV[1], seq)
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[3])
for i = 1, 3 do
  redis.call("PEXPIRE", KEYS[i], ttl)
end
return tonumber(seq)
`)

var releaseLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

// NewRun takes the next index from an INCR counter, so concurrent callers
// never share an index.
func (s *Store) NewRun(ctx context.Context, workflowID string, variables map[string]any) (state.RunRecord, error) {
	if strings.TrimSpace(workflowID) == "" {
		return state.RunRecord{}, fmt.Errorf("workflow_id is required")
	}
	index, err := s.client.Incr(ctx, s.counterKey(workflowID)).Result()
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to allocate run index: %w", err)
	}
	now := time.Now().UTC()
	run := state.RunRecord{
		RunID:      uuid.NewString(),
		WorkflowID: workflowID,
		RunIndex:   int(index),
		Status:     state.RunPending,
		Variables:  state.MergeVariables(nil, variables),
		CreatedAt:  &now,
		UpdatedAt:  &now,
	}
	if err := s.saveRun(ctx, run); err != nil {
		return state.RunRecord{}, err
	}
	return run, nil
}

func (s *Store) saveRun(ctx context.Context, run state.RunRecord) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), string(raw), s.ttl)
	pipe.ZAdd(ctx, s.indexKey(run.WorkflowID), goredis.Z{
		Score:  float64(run.RunIndex),
		Member: run.RunID,
	})
	pipe.Expire(ctx, s.indexKey(run.WorkflowID), s.ttl)
	pipe.Expire(ctx, s.counterKey(run.WorkflowID), s.ttl)
	pipe.SAdd(ctx, s.workflowsKey(), run.WorkflowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run in redis: %w", err)
	}
	return nil
}

func (s *Store) FindRun(ctx context.Context, workflowID string, runIndex int) (state.RunRecord, error) {
	score := strconv.Itoa(runIndex)
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(workflowID), &goredis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to find run: %w", err)
	}
	if len(ids) == 0 {
		return state.RunRecord{}, state.ErrNotFound
	}
	return s.LoadRun(ctx, ids[0])
}

func (s *Store) LastRun(ctx context.Context, workflowID string) (state.RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(workflowID), 0, 0).Result()
	if err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to load last run: %w", err)
	}
	if len(ids) == 0 {
		return state.RunRecord{}, state.ErrNotFound
	}
	return s.LoadRun(ctx, ids[0])
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if runID == "" {
		return state.RunRecord{}, fmt.Errorf("run_id is required")
	}

	raw, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run from redis: %w", err)
	}

	var run state.RunRecord
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run from redis: %w", err)
	}
	return run, nil
}

// UpdateRunVariables is a read-modify-write guarded by WATCH on the run key.
func (s *Store) UpdateRunVariables(ctx context.Context, workflowID string, runIndex int, variables map[string]any) error {
	run, err := s.FindRun(ctx, workflowID, runIndex)
	if err != nil {
		return err
	}
	return s.updateRun(ctx, run.RunID, func(r state.RunRecord) state.RunRecord {
		r.Variables = state.MergeVariables(r.Variables, variables)
		now := time.Now().UTC()
		r.UpdatedAt = &now
		return r
	})
}

func (s *Store) SaveRunStatus(ctx context.Context, update state.StatusUpdate) error {
	return s.updateRun(ctx, update.RunID, func(r state.RunRecord) state.RunRecord {
		return state.ApplyStatus(r, update, time.Now().UTC())
	})
}

func (s *Store) updateRun(ctx context.Context, runID string, mutate func(state.RunRecord) state.RunRecord) error {
	key := s.runKey(runID)
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return state.ErrNotFound
			}
			return err
		}
		var run state.RunRecord
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			return fmt.Errorf("failed to decode run from redis: %w", err)
		}
		next, err := json.Marshal(mutate(run))
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, string(next), s.ttl)
			return nil
		})
		return err
	}
	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return state.ErrConflict
	}
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return err
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	workflows := []string{query.WorkflowID}
	if query.WorkflowID == "" {
		all, err := s.client.SMembers(ctx, s.workflowsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		sort.Strings(all)
		workflows = all
	}

	var ids []string
	for _, wf := range workflows {
		values, err := s.client.ZRevRange(ctx, s.indexKey(wf), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list run ids for %s: %w", wf, err)
		}
		ids = append(ids, values...)
	}
	if len(ids) == 0 {
		return []state.RunRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget runs from redis: %w", err)
	}

	out := make([]state.RunRecord, 0, len(loaded))
	for _, raw := range loaded {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		var run state.RunRecord
		if err := json.Unmarshal([]byte(text), &run); err != nil {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}

	if offset >= len(out) {
		return []state.RunRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type storedCheckpoint struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (state.CheckpointRecord, error) {
	if checkpoint.RunID == "" || checkpoint.Key == "" {
		return state.CheckpointRecord{}, fmt.Errorf("run_id and key are required")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	if len(checkpoint.Value) == 0 {
		checkpoint.Value = json.RawMessage("null")
	}
	raw, err := json.Marshal(storedCheckpoint{Value: checkpoint.Value, CreatedAt: checkpoint.CreatedAt})
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	keys := []string{
		s.checkpointKey(checkpoint.RunID),
		s.checkpointSeqKey(checkpoint.RunID),
		s.checkpointCounterKey(checkpoint.RunID),
	}
	seq, err := saveCheckpointScript.Run(ctx, s.client, keys, checkpoint.Key, string(raw), s.ttl.Milliseconds()).Int()
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	checkpoint.Seq = seq
	return checkpoint, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, runID, key string) (state.CheckpointRecord, error) {
	pipe := s.client.Pipeline()
	valueCmd := pipe.HGet(ctx, s.checkpointKey(runID), key)
	seqCmd := pipe.HGet(ctx, s.checkpointSeqKey(runID), key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return state.CheckpointRecord{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	raw, err := valueCmd.Result()
	if errors.Is(err, goredis.Nil) {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	seq, err := seqCmd.Int()
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to load checkpoint seq: %w", err)
	}
	return decodeCheckpoint(runID, key, seq, raw)
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	values, err := s.client.HGetAll(ctx, s.checkpointKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint values: %w", err)
	}
	seqs, err := s.client.HGetAll(ctx, s.checkpointSeqKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint seqs: %w", err)
	}

	out := make([]state.CheckpointRecord, 0, len(values))
	for key, raw := range values {
		seq, err := strconv.Atoi(seqs[key])
		if err != nil {
			continue
		}
		cp, err := decodeCheckpoint(runID, key, seq, raw)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func decodeCheckpoint(runID, key string, seq int, raw string) (state.CheckpointRecord, error) {
	var stored storedCheckpoint
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state.CheckpointRecord{
		RunID:     runID,
		Key:       key,
		Seq:       seq,
		Value:     stored.Value,
		CreatedAt: stored.CreatedAt,
	}, nil
}

// AcquireRunLock claims runID for owner until ttl expires. It reports false
// when another owner holds the lock.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if runID == "" || owner == "" {
		return false, fmt.Errorf("run_id and owner are required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(runID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if runID == "" || owner == "" {
		return fmt.Errorf("run_id and owner are required")
	}
	if _, err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey(runID)}, owner).Result(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *Store) indexKey(workflowID string) string {
	return fmt.Sprintf("%s:runidx:%s", s.prefix, workflowID)
}

func (s *Store) counterKey(workflowID string) string {
	return fmt.Sprintf("%s:runseq:%s", s.prefix, workflowID)
}

func (s *Store) workflowsKey() string {
	return fmt.Sprintf("%s:workflows", s.prefix)
}

func (s *Store) checkpointKey(runID string) string {
	return fmt.Sprintf("%s:ckpt:%s", s.prefix, runID)
}

func (s *Store) checkpointSeqKey(runID string) string {
	return fmt.Sprintf("%s:ckptseq:%s", s.prefix, runID)
}

func (s *Store) checkpointCounterKey(runID string) string {
	return fmt.Sprintf("%s:ckptctr:%s", s.prefix, runID)
}

func (s *Store) lockKey(runID string) string {
	return fmt.Sprintf("%s:lock:run:%s", s.prefix, runID)
}

// PutRun stores a run record produced elsewhere, for use as a hybrid cache.
func (s *Store) PutRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" || run.WorkflowID == "" {
		return fmt.Errorf("run_id and workflow_id are required")
	}
	return s.saveRun(ctx, run)
}

func (s *Store) GetRun(ctx context.Context, runID string) (state.RunRecord, error) {
	return s.LoadRun(ctx, runID)
}
