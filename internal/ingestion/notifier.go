package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// RewardNotifier tells an off-exchange distributor about fee income credited
// to its bucket by publishing on perp.rewards.{bucket}.
type RewardNotifier struct {
	nc     *nats.Conn
	bucket string
	now    func() time.Time
}

type rewardNoticeJSON struct {
	Bucket      string `json:"bucket"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func NewRewardNotifier(nc *nats.Conn, bucket string) *RewardNotifier {
	return &RewardNotifier{nc: nc, bucket: bucket, now: time.Now}
}

// Notify implements fees.RewardNotifier.
func (n *RewardNotifier) Notify(amount int64) error {
	data, err := json.Marshal(rewardNoticeJSON{
		Bucket:      n.bucket,
		Amount:      amount,
		TimestampUs: n.now().UnixMicro(),
	})
	if err != nil {
		return fmt.Errorf("marshal reward notice: %w", err)
	}
	if err := n.nc.Publish("perp.rewards."+n.bucket, data); err != nil {
		return fmt.Errorf("publish %s reward notice: %w", n.bucket, err)
	}
	return nil
}
