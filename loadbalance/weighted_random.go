package loadbalance

import (
	"math/rand"

	"hmdriver/registry"
)

// WeightedRandomBalancer picks devices proportionally to Weight. A device
// without a weight counts as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(devices []registry.Device) (*registry.Device, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	// 计算总权重
	totalWeight := 0
	for _, d := range devices {
		totalWeight += weight(d)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for i := range devices {
		r -= weight(devices[i])
		if r < 0 {
			d := devices[i]
			return &d, nil
		}
	}
	d := devices[len(devices)-1]
	return &d, nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(d registry.Device) int {
	if d.Weight <= 0 {
		return 1
	}
	return d.Weight
}
