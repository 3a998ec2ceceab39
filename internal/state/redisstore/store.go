package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/state"
	"call-dispatch/internal/tenant"
)

// ErrContention is returned when an optimistic update keeps losing to concurrent writers.
var ErrContention = errors.New("redisstore: too much contention")

// Store is the Redis fast store.
//
// Key layout (all keys of one tenant share the {tenant} hash tag, so they live in one slot and
// scripts may touch several of them):
//
//	dispatch:tenants                      hash   tenant id -> json
//	dispatch:{t}:seq                      string registration counter
//	dispatch:{t}:agents                   set    agent ids
//	dispatch:{t}:agent:<id>               hash   status, ver, data
//	dispatch:{t}:available                zset   score = idle anchor (unix ms, 0 = never), member = seq|id
//	dispatch:{t}:call:<id>                hash   status, data
//	dispatch:{t}:assignment:<id>          hash   data
type Store struct {
	rdb        redis.UniversalClient
	prefix     string
	maxRetries int
}

func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, prefix: "dispatch", maxRetries: 16}
}

func (s *Store) tenantsKey() string { return s.prefix + ":tenants" }

func (s *Store) key(tenantID string, parts ...string) string {
	return s.prefix + ":{" + tenantID + "}:" + strings.Join(parts, ":")
}

func (s *Store) agentKey(tenantID, id string) string { return s.key(tenantID, "agent", id) }
func (s *Store) callKey(tenantID, id string) string  { return s.key(tenantID, "call", id) }
func (s *Store) asgKey(tenantID, id string) string   { return s.key(tenantID, "assignment", id) }
func (s *Store) availKey(tenantID string) string     { return s.key(tenantID, "available") }

// Score is the availability score of an agent. Equal scores fall back to member order, which is
// registration order because members start with the zero-padded seq.
func Score(a agents.Agent) float64 {
	if a.IdleSince == nil {
		return 0
	}
	return float64(a.IdleSince.UnixMilli())
}

func Member(a agents.Agent) string { return fmt.Sprintf("%020d|%s", a.Seq, a.ID) }

func memberAgentID(m string) string {
	if i := strings.IndexByte(m, '|'); i >= 0 {
		return m[i+1:]
	}
	return m
}

func (s *Store) PutTenant(ctx context.Context, t tenant.Tenant) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.tenantsKey(), t.ID, b).Err()
}

func (s *Store) Tenant(ctx context.Context, id string) (tenant.Tenant, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.tenantsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return tenant.Tenant{}, false, nil
	}
	if err != nil {
		return tenant.Tenant{}, false, err
	}
	var t tenant.Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return tenant.Tenant{}, false, err
	}
	return t, true, nil
}

func (s *Store) CreateAgent(ctx context.Context, a agents.Agent) (agents.Agent, error) {
	key := s.agentKey(a.TenantID, a.ID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return agents.Agent{}, err
	}
	if n > 0 {
		return agents.Agent{}, fmt.Errorf("redisstore: agent %s already exists", a.ID)
	}
	seq, err := s.rdb.Incr(ctx, s.key(a.TenantID, "seq")).Result()
	if err != nil {
		return agents.Agent{}, err
	}
	a.Seq = seq
	a.Version = 1
	data, err := json.Marshal(a)
	if err != nil {
		return agents.Agent{}, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "status", string(a.Status), "data", data, "ver", 1)
		p.SAdd(ctx, s.key(a.TenantID, "agents"), a.ID)
		if a.Status == agents.StatusAvailable {
			p.ZAdd(ctx, s.availKey(a.TenantID), redis.Z{Score: Score(a), Member: Member(a)})
		}
		return nil
	})
	if err != nil {
		return agents.Agent{}, err
	}
	return a, nil
}

type reader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

// readAgent returns the agent and its version string.
func readAgent(ctx context.Context, r reader, key string) (agents.Agent, string, bool, error) {
	vals, err := r.HMGet(ctx, key, "data", "ver").Result()
	if err != nil {
		return agents.Agent{}, "", false, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return agents.Agent{}, "", false, nil
	}
	ver, _ := vals[1].(string)
	var a agents.Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return agents.Agent{}, "", false, err
	}
	return a, ver, true, nil
}

func getData[T any](ctx context.Context, rdb redis.UniversalClient, key string) (T, bool, error) {
	var out T
	raw, err := rdb.HGet(ctx, key, "data").Result()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (s *Store) Agent(ctx context.Context, tenantID, agentID string) (agents.Agent, bool, error) {
	return getData[agents.Agent](ctx, s.rdb, s.agentKey(tenantID, agentID))
}

func (s *Store) agentsByID(ctx context.Context, tenantID string, ids []string) ([]agents.Agent, error) {
	if len(ids) == 0 {
		return []agents.Agent{}, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.agentKey(tenantID, id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]agents.Agent, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var a agents.Agent
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) Agents(ctx context.Context, tenantID string) ([]agents.Agent, error) {
	ids, err := s.rdb.SMembers(ctx, s.key(tenantID, "agents")).Result()
	if err != nil {
		return nil, err
	}
	out, err := s.agentsByID(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) AvailableAgents(ctx context.Context, tenantID string) ([]agents.Agent, error) {
	members, err := s.rdb.ZRange(ctx, s.availKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = memberAgentID(m)
	}
	return s.agentsByID(ctx, tenantID, ids)
}

// UpdateAgentStatus applies an operator status change under WATCH on the agent hash.
func (s *Store) UpdateAgentStatus(ctx context.Context, tenantID, agentID string, to agents.Status, now time.Time) (agents.Agent, agents.Change, error) {
	key := s.agentKey(tenantID, agentID)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var (
			out    agents.Agent
			change agents.Change
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			a, _, ok, err := readAgent(ctx, tx, key)
			if err != nil {
				return err
			}
			if !ok {
				return state.ErrAgentNotFound
			}
			next, ch, err := agents.ApplyOperatorStatus(a, to, now)
			out, change = a, ch
			if err != nil || ch == agents.ChangeNone {
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, key, "status", string(next.Status), "data", data)
				p.HIncrBy(ctx, key, "ver", 1)
				switch ch {
				case agents.ChangeAdmit:
					p.ZAdd(ctx, s.availKey(tenantID), redis.Z{Score: Score(next), Member: Member(next)})
				case agents.ChangeWithdraw:
					p.ZRem(ctx, s.availKey(tenantID), Member(a))
				}
				return nil
			})
			if err == nil {
				out = next
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, change, err
	}
	return agents.Agent{}, agents.ChangeNone, ErrContention
}

func (s *Store) Call(ctx context.Context, tenantID, callID string) (calls.Call, bool, error) {
	return getData[calls.Call](ctx, s.rdb, s.callKey(tenantID, callID))
}

func (s *Store) Assignment(ctx context.Context, tenantID, assignmentID string) (assignments.Assignment, bool, error) {
	return getData[assignments.Assignment](ctx, s.rdb, s.asgKey(tenantID, assignmentID))
}

// PeekBest reads only as many index members as needed to skip the excluded ones.
func (s *Store) PeekBest(ctx context.Context, tenantID string, exclude map[string]struct{}) (string, int, bool, error) {
	pipe := s.rdb.Pipeline()
	card := pipe.ZCard(ctx, s.availKey(tenantID))
	head := pipe.ZRange(ctx, s.availKey(tenantID), 0, int64(len(exclude)))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", 0, false, err
	}
	n := int(card.Val())
	for _, m := range head.Val() {
		id := memberAgentID(m)
		if _, skip := exclude[id]; skip {
			continue
		}
		return id, n, true, nil
	}
	return "", n, false, nil
}

func (s *Store) TryClaim(ctx context.Context, p state.ClaimParams) (state.Claimed, bool, error) {
	a, ver, ok, err := readAgent(ctx, s.rdb, s.agentKey(p.TenantID, p.AgentID))
	if err != nil {
		return state.Claimed{}, false, err
	}
	if !ok || a.Status != agents.StatusAvailable || a.CurrentCallID != "" {
		return state.Claimed{}, false, nil
	}

	c, asg := state.ClaimRows(a, p)
	busy := state.ClaimAgent(a, c.ID, p.Now)

	agentJSON, err := json.Marshal(busy)
	if err != nil {
		return state.Claimed{}, false, err
	}
	callJSON, err := json.Marshal(c)
	if err != nil {
		return state.Claimed{}, false, err
	}
	asgJSON, err := json.Marshal(asg)
	if err != nil {
		return state.Claimed{}, false, err
	}

	keys := []string{
		s.agentKey(p.TenantID, a.ID),
		s.availKey(p.TenantID),
		s.callKey(p.TenantID, c.ID),
		s.asgKey(p.TenantID, asg.ID),
	}
	res, err := claimScript.Run(ctx, s.rdb, keys, ver, agentJSON, callJSON, asgJSON, Member(a)).Int()
	if err != nil {
		return state.Claimed{}, false, err
	}
	switch res {
	case 1:
		return state.Claimed{Agent: busy, Call: c, Assignment: asg}, true, nil
	case -1:
		return state.Claimed{}, false, state.ErrCallExists
	default:
		return state.Claimed{}, false, nil
	}
}

func (s *Store) Start(ctx context.Context, p state.StartParams) (calls.Call, assignments.Assignment, bool, error) {
	c, ok, err := s.Call(ctx, p.TenantID, p.CallID)
	if err != nil {
		return calls.Call{}, assignments.Assignment{}, false, err
	}
	if !ok {
		return calls.Call{}, assignments.Assignment{}, false, state.ErrCallNotFound
	}
	asg, _, err := s.Assignment(ctx, p.TenantID, c.AssignmentID)
	if err != nil {
		return calls.Call{}, assignments.Assignment{}, false, err
	}
	if !calls.CanTransition(c.Status, calls.StatusInProgress) {
		return c, asg, false, nil
	}

	nc, nasg := state.StartRows(c, asg, p)
	callJSON, err := json.Marshal(nc)
	if err != nil {
		return c, asg, false, err
	}
	asgJSON, err := json.Marshal(nasg)
	if err != nil {
		return c, asg, false, err
	}
	keys := []string{s.callKey(p.TenantID, c.ID), s.asgKey(p.TenantID, asg.ID)}
	res, err := startScript.Run(ctx, s.rdb, keys, string(c.Status), callJSON, asgJSON).Int()
	if err != nil {
		return c, asg, false, err
	}
	if res != 1 {
		return c, asg, false, nil
	}
	return nc, nasg, true, nil
}

// Finish re-reads and retries when the call or agent changed between the read and the script,
// e.g. an operator status change or Start racing with it.
func (s *Store) Finish(ctx context.Context, p state.FinishParams) (state.Finished, bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		c, ok, err := s.Call(ctx, p.TenantID, p.CallID)
		if err != nil {
			return state.Finished{}, false, err
		}
		if !ok {
			return state.Finished{}, false, state.ErrCallNotFound
		}
		if !calls.CanTransition(c.Status, p.CallStatus) {
			return state.Finished{Call: c}, false, nil
		}
		asg, _, err := s.Assignment(ctx, p.TenantID, c.AssignmentID)
		if err != nil {
			return state.Finished{}, false, err
		}
		a, ver, _, err := readAgent(ctx, s.rdb, s.agentKey(p.TenantID, c.AgentID))
		if err != nil {
			return state.Finished{}, false, err
		}

		nc, nasg := state.FinishRows(c, asg, p)
		na, admit := agents.Release(a, c.ID, p.Now)

		callJSON, err := json.Marshal(nc)
		if err != nil {
			return state.Finished{}, false, err
		}
		asgJSON, err := json.Marshal(nasg)
		if err != nil {
			return state.Finished{}, false, err
		}
		agentJSON, err := json.Marshal(na)
		if err != nil {
			return state.Finished{}, false, err
		}
		admitFlag := "0"
		if admit {
			admitFlag = "1"
		}

		keys := []string{
			s.callKey(p.TenantID, c.ID),
			s.asgKey(p.TenantID, asg.ID),
			s.agentKey(p.TenantID, c.AgentID),
			s.availKey(p.TenantID),
		}
		res, err := finishScript.Run(ctx, s.rdb, keys,
			string(c.Status), string(p.CallStatus), callJSON, asgJSON,
			ver, string(na.Status), agentJSON, admitFlag, Score(na), Member(na),
		).Int()
		if err != nil {
			return state.Finished{}, false, err
		}
		if res == 1 {
			return state.Finished{Agent: na, Call: nc, Assignment: nasg, Readmitted: admit}, true, nil
		}
	}
	return state.Finished{}, false, ErrContention
}

var _ state.Store = (*Store)(nil)
