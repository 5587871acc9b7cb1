package broker

import (
	"github.com/redis/go-redis/v9"
)

// NewClient opens a go-redis client for d. Sentinel descriptors get a failover
// client that follows master promotion.
func NewClient(d Descriptor) redis.UniversalClient {
	if d.Mode == ModeSentinel {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    d.MasterName,
			SentinelAddrs: d.Sentinels,
			Password:      d.Password,
			DB:            d.DB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     d.Addr,
		Password: d.Password,
		DB:       d.DB,
	})
}
