package config_test

import (
	"fmt"
	"os"
	"path"
	"testing"
	"time"

	"github.com/johnjamespj/kstore/pkg/checkpoint"
	"github.com/johnjamespj/kstore/pkg/codec"
	"github.com/johnjamespj/kstore/pkg/config"
	"github.com/johnjamespj/kstore/pkg/replog/filelog"
	"github.com/johnjamespj/kstore/pkg/replog/memlog"
	"github.com/johnjamespj/kstore/pkg/schema"
	"github.com/johnjamespj/kstore/pkg/table"
	"github.com/juju/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config")
}

const sample = `
[table]
name = app:users
epoch = 2
version = 5
compression = lz4
fail_on_decode_error = true
retry_budget = 3
retry_initial_interval = 10ms

[log]
backend = file
level = debug

[filelog]
dir = %s
segment_records = 128

[kafka]
brokers = k1:9092, k2:9092
group = replicas
idle_timeout = 500ms

[checkpoint]
backend = file
dir = %s
interval = 30s
`

var _ = Describe("File", func() {
	var (
		dir     string
		subject *config.File
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "config")
		Expect(err).NotTo(HaveOccurred())

		file := path.Join(dir, "kstore.conf")
		content := []byte(fmt.Sprintf(sample, path.Join(dir, "log"), path.Join(dir, "ckpt")))
		Expect(os.WriteFile(file, content, 0644)).To(Succeed())

		subject, err = config.Load(file)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("should read the table identity", func() {
		Expect(subject.Schema()).To(Equal(schema.Value{TableName: "app:users", Epoch: 2, Version: 5}))
	})

	It("should overlay table settings on defaults", func() {
		cfg, err := subject.Table(zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Compression).To(Equal(codec.Lz4Compression))
		Expect(cfg.FailOnDecodeError).To(BeTrue())
		Expect(cfg.RetryBudget).To(Equal(3))
		Expect(cfg.RetryInitialInterval).To(Equal(10 * time.Millisecond))
		Expect(cfg.RetryMaxInterval).To(Equal(table.DefaultConfig().RetryMaxInterval))
		Expect(cfg.CheckpointInterval).To(Equal(30 * time.Second))
	})

	It("should read transport settings", func() {
		fl, err := subject.FileLog(zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(fl.Dir).To(Equal(path.Join(dir, "log")))
		Expect(fl.SegmentRecords).To(Equal(128))
		Expect(fl.OpenSegments).To(Equal(filelog.DefaultConfig("").OpenSegments))

		k, err := subject.Kafka(zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(k.Brokers).To(Equal([]string{"k1:9092", "k2:9092"}))
		Expect(k.Group).To(Equal("replicas"))
		Expect(k.IdleTimeout).To(Equal(500 * time.Millisecond))
	})

	It("should open the configured log and checkpoint store", func() {
		log, err := subject.OpenLog(zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(log).To(BeAssignableToTypeOf(&filelog.Log{}))
		Expect(log.Close()).To(Succeed())

		store, err := subject.OpenCheckpoints()
		Expect(err).NotTo(HaveOccurred())
		Expect(store).To(BeAssignableToTypeOf(&checkpoint.FileStore{}))
	})

	It("should let options be overridden", func() {
		subject.Set("log", "backend", "memory")
		subject.Set("checkpoint", "backend", "none")

		log, err := subject.OpenLog(zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(log).To(BeAssignableToTypeOf(&memlog.Log{}))

		store, err := subject.OpenCheckpoints()
		Expect(err).NotTo(HaveOccurred())
		Expect(store).To(BeNil())
	})

	It("should reject malformed values", func() {
		subject.Set("table", "retry_budget", "many")
		_, err := subject.Table(zerolog.Nop())
		Expect(errors.Is(err, errors.NotValid)).To(BeTrue())

		subject.Set("log", "backend", "carrier-pigeon")
		_, err = subject.OpenLog(zerolog.Nop())
		Expect(errors.Is(err, errors.NotSupported)).To(BeTrue())

		subject.Set("log", "level", "loud")
		_, err = subject.Logger()
		Expect(errors.Is(err, errors.NotValid)).To(BeTrue())
	})

	It("should fall back to defaults without a file", func() {
		cfg, err := config.Empty().Table(zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.RetryBudget).To(Equal(table.DefaultConfig().RetryBudget))

		_, err = config.Empty().Schema()
		Expect(errors.Is(err, errors.NotValid)).To(BeTrue())
	})
})
