package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/config"
	speechmodel "github.com/edumind/backend/internal/model/speech"
	"github.com/edumind/backend/internal/service/speech"
)

// printer 打印识别结果
type printer struct{}

func (printer) OnEvent(text string, sentenceEnd bool) {
	if sentenceEnd {
		log.Info().Str("text", text).Msg("final")
		return
	}
	log.Debug().Str("text", text).Msg("partial")
}

func (printer) OnError(err error) { log.Error().Err(err).Msg("recognizer error") }

func (printer) OnClose() { log.Debug().Msg("recognizer closed") }

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("无法加载 .env，改用系统环境变量")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("配置加载失败")
	}

	provider := flag.String("provider", "", "识别服务: dashscope 或 volcengine，默认使用配置")
	audioPath := flag.String("audio", "", "16kHz 16bit 单声道 PCM 文件路径")
	chunk := flag.Duration("chunk", 100*time.Millisecond, "每帧音频时长")
	realtime := flag.Bool("realtime", true, "按实际时长节奏发送音频")
	timeout := flag.Duration("timeout", 60*time.Second, "整体超时时间")
	verbose := flag.Bool("v", false, "打印中间结果")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *audioPath == "" {
		flag.Usage()
		log.Fatal().Msg("需要通过 -audio 指定音频文件路径")
	}

	speechCfg := cfg.Speech
	if *provider != "" {
		speechCfg.Provider = speechmodel.Provider(*provider)
	}
	factory, err := speech.NewFactory(speechCfg)
	if errors.Is(err, speech.ErrNotConfigured) {
		log.Fatal().Msg("语音识别未配置，请先设置 DASHSCOPE_API_KEY 或 SPEECH_APP_ID/SPEECH_ACCESS_TOKEN")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("创建识别器失败")
	}

	file, err := os.Open(*audioPath)
	if err != nil {
		log.Fatal().Err(err).Msg("打开音频文件失败")
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sampleRate := speechCfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	frameBytes := int(chunk.Seconds() * float64(sampleRate) * 2)

	transcript, err := run(ctx, factory(), file, frameBytes, *chunk, *realtime)
	if err != nil {
		log.Fatal().Err(err).Msg("识别失败")
	}
	log.Info().Str("provider", string(speechCfg.Provider)).Str("transcript", transcript).Msg("识别完成")
}

func run(ctx context.Context, rec speech.Recognizer, audio io.Reader, frameBytes int, interval time.Duration, realtime bool) (string, error) {
	start := time.Now()
	if err := rec.Start(ctx, printer{}); err != nil {
		return "", err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("recognizer started")

	buf := make([]byte, frameBytes)
	frames := 0
	for {
		n, err := io.ReadFull(audio, buf)
		if n > 0 {
			if sendErr := rec.SendFrame(append([]byte(nil), buf[:n]...)); sendErr != nil {
				return "", sendErr
			}
			frames++
			if realtime {
				time.Sleep(interval)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	log.Info().Int("frames", frames).Msg("audio sent, waiting for final result")

	return rec.Stop(ctx)
}
