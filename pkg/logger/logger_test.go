package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/sticky-lb/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	Describe("ParseLevel", func() {
		DescribeTable("maps level names",
			func(name string, want slog.Level) {
				Expect(logger.ParseLevel(name)).To(Equal(want))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("info", "info", slog.LevelInfo),
			Entry("warn", "WARN", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("unknown defaults to info", "invalid", slog.LevelInfo),
		)
	})

	Describe("New", func() {
		It("should respect the configured level", func() {
			log := logger.New("warn", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeFalse())
			Expect(log.Enabled(ctx, slog.LevelWarn)).To(BeTrue())
		})
	})

	Describe("NewWithWriter", func() {
		It("should write JSON with the environment attribute in prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "info", false, "prod")
			log.Info("connection closed", slog.String("backend", "127.0.0.1:9001"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
			Expect(record).To(HaveKeyWithValue("backend", "127.0.0.1:9001"))
			Expect(record).To(HaveKeyWithValue("msg", "connection closed"))
		})

		It("should write text outside prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "debug", false, "dev")
			log.Debug("routing", slog.String("key", "svc"))

			Expect(buf.String()).To(ContainSubstring("environment=dev"))
			Expect(buf.String()).To(ContainSubstring("key=svc"))
		})
	})

	Describe("Discard", func() {
		It("should not enable any level", func() {
			log := logger.Discard()
			Expect(log.Enabled(ctx, slog.LevelError)).To(BeFalse())
		})
	})
})
