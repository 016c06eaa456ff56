// Command efvi-stats mmaps a VI's device regions, polls it, and serves
// its per-queue counters as Prometheus metrics. The control-path calls
// that actually provision superbufs and txqs against the NIC
// (MCDI-speaking resource management) are outside this repository's
// scope; this tool stands in a no-op ResourceManager so the wiring from
// device file to metrics endpoint can be exercised without one.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/adimgong/onload/tcpip/adapters/metrics"
	"github.com/adimgong/onload/tcpip/link/efct/devmem"
	"github.com/adimgong/onload/tcpip/link/efct/ops"
	"github.com/adimgong/onload/tcpip/link/efct/queue"
	"github.com/adimgong/onload/tcpip/link/efct/wire"
)

var (
	devPath            = flag.String("device", "/dev/efct0", "VI resource device node")
	rxApertureOff      = flag.Int64("rx-offset", 0, "byte offset of the rx superbuf arena within the device file")
	rxSuperbufBytes    = flag.Int("rx-superbuf-bytes", 1 << 20, "bytes per superbuf slot")
	rxStride           = flag.Int("rx-stride", 2048, "bytes per packet slot within a superbuf")
	rxSuperbufs        = flag.Int("rx-superbufs", 8, "number of superbuf slots to map")
	txApertureOff      = flag.Int64("tx-offset", 1 << 30, "byte offset of the CTPIO aperture within the device file")
	ctpioApertureBytes = flag.Int("ctpio-aperture-bytes", 4096, "CTPIO aperture size (power of two)")
	evqOff             = flag.Int64("evq-offset", 2 << 30, "byte offset of the event ring within the device file")
	evqEntries         = flag.Int("evq-entries", 4096, "event ring entry count (power of two)")
	tsSubnanoBits      = flag.Uint("ts-subnano-bits", 9, "TX timestamp fractional-second shift")
	listenAddr         = flag.String("listen", ":9435", "metrics listen address")
)

// staticRM is a placeholder ResourceManager: it reports no superbufs
// ever available and accepts attach calls against queue index 0,
// enough to exercise the VI/metrics wiring end to end without a real
// control path driving it.
type staticRM struct{}

func (staticRM) Next(qid int) (int, bool, uint32, error) { return 0, false, 0, queue.ErrAgain }
func (staticRM) Free(qid, localSuperbuf int)             {}
func (staticRM) Refresh(qid int) error                   { return nil }
func (staticRM) AttachRxq(nSuperbufs int) (int, error)   { return 0, nil }
func (staticRM) AttachTxq() (int, error)                 { return 0, nil }
func (staticRM) Available(qid int) bool                  { return false }

func main() {
	flag.Parse()
	log := logrus.New()

	params := ops.DesignParameters{
		RxFrameOffset:      wire.NextFrameLocFixed - 2,
		RxSuperbufBytes:    *rxSuperbufBytes,
		RxStride:           *rxStride,
		TSSubnanoBits:      *tsSubnanoBits,
		CTPIOApertureBytes: *ctpioApertureBytes,
		EventQueueEntries:  *evqEntries,
	}
	if err := params.Validate(); err != nil {
		log.WithError(err).Fatal("invalid design parameters")
	}

	rxArenaBytes := *rxSuperbufBytes * *rxSuperbufs
	rxArena, err := devmem.Map(*devPath, *rxApertureOff, rxArenaBytes, false)
	if err != nil {
		log.WithError(err).Fatal("mmap rx arena")
	}
	defer rxArena.Close()

	ctpioAperture, err := devmem.Map(*devPath, *txApertureOff, *ctpioApertureBytes, true)
	if err != nil {
		log.WithError(err).Fatal("mmap ctpio aperture")
	}
	defer ctpioAperture.Close()

	evqRegion, err := devmem.Map(*devPath, *evqOff, *evqEntries*8, false)
	if err != nil {
		log.WithError(err).Fatal("mmap event ring")
	}
	defer evqRegion.Close()

	vi, err := ops.New(staticRM{}, params, log, false)
	if err != nil {
		log.WithError(err).Fatal("construct VI")
	}

	superbufPkts := uint32(params.SuperbufPkts())
	configGen := uint32(0)
	vi.AddRxq(0, &queue.RXQ{
		Arena:         rxArena.Bytes(),
		PktStride:     params.RxStride,
		SuperbufSlots: params.SuperbufPkts(),
		Live: queue.RXQLive{
			SuperbufPkts:     &superbufPkts,
			ConfigGeneration: &configGen,
		},
	})

	vi.SetTxq(0, &queue.TXQ{
		Aperture:      ctpioAperture.Bytes(),
		EventRing:     evqRegion.Uint64s(),
		TSSubnanoBits: params.TSSubnanoBits,
	})

	instance := xid.New()
	log.WithField("instance", instance.String()).Info("efvi-stats starting")

	collector := metrics.New(prometheus.Labels{"device": *devPath}, func(err error) {
		log.WithError(err).Warn("metrics collection error")
	})
	collector.Add(vi, []int{0}, 0, true)
	prometheus.MustRegister(collector)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*listenAddr, nil); err != nil {
			log.WithError(err).Fatal("metrics server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			log.Info("efvi-stats shutting down")
			return
		case <-ticker.C:
			if _, err := vi.Poll(64); err != nil && err != queue.ErrAgain {
				log.WithError(err).Warn("poll error")
			}
		}
	}
}
