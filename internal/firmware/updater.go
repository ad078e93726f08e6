// Package firmware updates sensor application firmware over the config
// port: safe-boot, block transfer with per-block receipts, commit, and
// verification against the version the sensor reports after reboot.
package firmware

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/resolve"
)

// Options tunes an update run.
type Options struct {
	// Overwrite flashes even when the sensor already runs the image
	// version or newer.
	Overwrite bool
	Timeouts  Timeouts
	Progress  Progress
}

// Updater matches firmware images to live sensors and runs one update
// session per pair.
type Updater struct {
	conn   Conn
	cmd    Commander
	prober Prober
	log    *zap.Logger
}

func NewUpdater(conn Conn, cmd Commander, prober Prober) *Updater {
	return &Updater{
		conn:   conn,
		cmd:    cmd,
		prober: prober,
		log:    logging.GetLogger().Named("firmware"),
	}
}

// UpdateAll pairs each image with the snapshot sensor carrying its
// serial and drives every pair's session concurrently. Images whose
// sensor is not in the snapshot are skipped, not failed, so a fleet-wide
// image directory can be applied to a subset of targets. One sensor's
// failure never stops the others. Results come back in image order.
func (u *Updater) UpdateAll(ctx context.Context, images []*Image, snapshot []resolve.Identity, opts Options) []Result {
	bySerial := make(map[uint16]resolve.Identity, len(snapshot))
	for _, id := range snapshot {
		bySerial[id.Serial] = id
	}

	results := make([]Result, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		id, ok := bySerial[img.Serial]
		if !ok {
			results[i] = Result{
				Serial: img.Serial,
				State:  StateSkipped,
				Reason: "sensor not targeted",
				To:     img.Version,
			}
			u.log.Info("no target for image, skipping",
				zap.Uint16("serial", img.Serial),
				zap.String("image", img.Path))
			continue
		}

		wg.Add(1)
		go func(i int, img *Image, id resolve.Identity) {
			defer wg.Done()
			sess := NewSession(u.conn, u.cmd, u.prober, img, id, opts.Overwrite, opts.Timeouts, opts.Progress)
			results[i] = sess.Run(ctx)
		}(i, img, id)
	}
	wg.Wait()
	return results
}
