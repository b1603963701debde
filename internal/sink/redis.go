package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/wfs3-feature-stream/internal/core/observability"
	"github.com/mohammed-shakir/wfs3-feature-stream/internal/graphic"
)

type RedisOption func(*redis.Options)

func WithPoolSize(n int) RedisOption {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) RedisOption {
	return func(o *redis.Options) { o.DialTimeout = d }
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}
	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveSinkOp("redis", "ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

type CellMapper interface {
	CellsForGeometry(g graphic.Geometry, res int) ([]string, error)
	CellsForBound(b orb.Bound, res int) ([]string, error)
	CellForPoint(p orb.Point, res int) (string, error)
}

// Redis publishes each generation of one layer:
//
//	{prefix}:gen            JSON array of graphics
//	{prefix}:genid          generation id
//	{prefix}:cell:{res}:{h3} set of graphic ids drawn in that cell
//	{prefix}:cells          set of the cell keys above
//	{prefix}:updates        pub/sub channel, message is the generation id
//
// All writes of a generation happen in one MULTI/EXEC guarded by WATCH on genid.
type Redis struct {
	rdb    *redis.Client
	keys   layerKeys
	mapper CellMapper
	res    int
}

// NewRedis indexes graphics by H3 cell at res when mapper is non-nil.
func NewRedis(rdb *redis.Client, layer string, mapper CellMapper, res int) *Redis {
	return &Redis{rdb: rdb, keys: newLayerKeys(layer), mapper: mapper, res: res}
}

func (r *Redis) Replace(ctx context.Context, generation uint64, graphics []graphic.Graphic) error {
	start := time.Now()
	err := r.replace(ctx, generation, graphics)
	observability.ObserveSinkOp("redis", "replace", err, time.Since(start).Seconds())
	return err
}

func (r *Redis) replace(ctx context.Context, generation uint64, graphics []graphic.Graphic) error {
	if graphics == nil {
		graphics = []graphic.Graphic{}
	}
	payload, err := json.Marshal(graphics)
	if err != nil {
		return fmt.Errorf("encode generation: %w", err)
	}
	index := r.cellIndex(graphics)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, r.keys.generationID()).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis GET genid: %w", err)
		}
		if generation < cur {
			return ErrOlderGeneration
		}
		old, err := tx.SMembers(ctx, r.keys.cells()).Result()
		if err != nil {
			return fmt.Errorf("redis SMEMBERS cells: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if len(old) > 0 {
				p.Del(ctx, old...)
			}
			p.Del(ctx, r.keys.cells())
			p.Set(ctx, r.keys.generation(), payload, 0)
			p.Set(ctx, r.keys.generationID(), generation, 0)
			for cell, ids := range index {
				key := r.keys.cell(r.res, cell)
				members := make([]any, len(ids))
				for i, id := range ids {
					members[i] = id
				}
				p.SAdd(ctx, key, members...)
				p.SAdd(ctx, r.keys.cells(), key)
			}
			p.Publish(ctx, r.keys.updates(), generation)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis MULTI generation %d: %w", generation, err)
		}
		return nil
	}

	if err := r.rdb.Watch(ctx, txf, r.keys.generationID()); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("generation %d raced another writer: %w", generation, ErrOlderGeneration)
		}
		return err
	}
	return nil
}

func (r *Redis) cellIndex(graphics []graphic.Graphic) map[string][]string {
	if r.mapper == nil {
		return nil
	}
	out := map[string][]string{}
	for _, g := range graphics {
		if !g.Supported() {
			continue
		}
		cells, err := r.mapper.CellsForGeometry(g.Geometry, r.res)
		if err != nil {
			continue
		}
		for _, c := range cells {
			out[c] = append(out[c], g.ID)
		}
	}
	return out
}

func (r *Redis) Clear(ctx context.Context) error {
	start := time.Now()
	err := r.clear(ctx)
	observability.ObserveSinkOp("redis", "clear", err, time.Since(start).Seconds())
	return err
}

func (r *Redis) clear(ctx context.Context) error {
	old, err := r.rdb.SMembers(ctx, r.keys.cells()).Result()
	if err != nil {
		return fmt.Errorf("redis SMEMBERS cells: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(old) > 0 {
			p.Del(ctx, old...)
		}
		p.Del(ctx, r.keys.cells())
		p.Set(ctx, r.keys.generation(), "[]", 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

// Reset drops every key of the layer, including its generation id. A new
// session starts its generations over, so its sinks are reset first.
func (r *Redis) Reset(ctx context.Context) error {
	old, err := r.rdb.SMembers(ctx, r.keys.cells()).Result()
	if err != nil {
		return fmt.Errorf("redis SMEMBERS cells: %w", err)
	}
	keys := append(old, r.keys.cells(), r.keys.generation(), r.keys.generationID())
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// Load reads back the stored generation.
func (r *Redis) Load(ctx context.Context) (uint64, []graphic.Graphic, error) {
	vals, err := r.rdb.MGet(ctx, r.keys.generationID(), r.keys.generation()).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("redis MGET generation: %w", err)
	}
	var gen uint64
	if s, ok := vals[0].(string); ok {
		if _, err := fmt.Sscan(s, &gen); err != nil {
			return 0, nil, fmt.Errorf("decode genid: %w", err)
		}
	}
	s, ok := vals[1].(string)
	if !ok {
		return gen, nil, nil
	}
	var graphics []graphic.Graphic
	if err := json.Unmarshal([]byte(s), &graphics); err != nil {
		return 0, nil, fmt.Errorf("decode generation: %w", err)
	}
	return gen, graphics, nil
}

// IDsInCell returns the ids of the current generation's graphics drawn in cell.
func (r *Redis) IDsInCell(ctx context.Context, cell string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.keys.cell(r.res, cell)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS cell: %w", err)
	}
	return ids, nil
}

// IDsInBound returns the ids of the current generation's graphics drawn in
// any cell whose center lies in b, given in WGS84 degrees. A bound smaller
// than a cell is looked up by the cell of its center.
func (r *Redis) IDsInBound(ctx context.Context, b orb.Bound) ([]string, error) {
	if r.mapper == nil {
		return nil, errors.New("redis sink has no cell index")
	}
	cells, err := r.mapper.CellsForBound(b, r.res)
	if err != nil {
		return nil, fmt.Errorf("cells for bound: %w", err)
	}
	if len(cells) == 0 {
		c, err := r.mapper.CellForPoint(b.Center(), r.res)
		if err != nil {
			return nil, fmt.Errorf("cell for bound center: %w", err)
		}
		cells = []string{c}
	}
	keys := make([]string, len(cells))
	for i, c := range cells {
		keys[i] = r.keys.cell(r.res, c)
	}
	ids, err := r.rdb.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SUNION cells: %w", err)
	}
	return ids, nil
}

// UpdatesChannel is the pub/sub channel announcing new generations.
func (r *Redis) UpdatesChannel() string { return r.keys.updates() }
