package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyManager shares cooldown windows across processes through Valkey.
// Expiry is enforced server-side with PEXPIRE, so readers never see stale
// windows.
type ValkeyManager struct {
	client valkey.Client
}

func NewValkeyManager(client valkey.Client) *ValkeyManager {
	return &ValkeyManager{client: client}
}

func cooldownKey(key string) string {
	return fmt.Sprintf("relay:cooldown:%s", key)
}

func (r *ValkeyManager) Record(
	ctx context.Context, key string, duration time.Duration,
) error {
	script := `
		local current_time_micro = redis.call('TIME')[1] * 1000000 + redis.call('TIME')[2]
		local cooling_until_micro = current_time_micro + tonumber(ARGV[1]) * 1000
		redis.call('SET', KEYS[1], cooling_until_micro)
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		return cooling_until_micro
	`

	resp := r.client.Do(ctx, r.client.B().Eval().Script(script).Numkeys(1).Key(cooldownKey(key)).Arg(
		fmt.Sprintf("%d", duration.Milliseconds()),
	).Build())

	return resp.Error()
}

func (r *ValkeyManager) Clear(ctx context.Context, key string) error {
	return r.client.Do(
		ctx, r.client.B().Del().Key(cooldownKey(key)).Build(),
	).Error()
}

func (r *ValkeyManager) Status(
	ctx context.Context, key string,
) (bool, time.Duration, error) {
	script := `
		local current_time_micro = redis.call('TIME')[1] * 1000000 + redis.call('TIME')[2]
		local cooling_until_micro = redis.call('GET', KEYS[1])

		if not cooling_until_micro or tonumber(cooling_until_micro) <= current_time_micro then
			return {0}
		else
			return {1, tonumber(cooling_until_micro) - current_time_micro}
		end
	`

	resp := r.client.Do(ctx, r.client.B().Eval().Script(script).Numkeys(1).Key(cooldownKey(key)).Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, err
	}

	if result[0] == 0 {
		return false, 0, nil
	}
	return true, time.Duration(result[1]) * time.Microsecond, nil
}
