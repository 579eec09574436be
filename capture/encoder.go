package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go2tv.app/screenrecorder/internal/processutil"
)

const (
	encoderProbeTimeout = 5 * time.Second
	encoderProbeWorkers = 2
	softwareEncoder     = "libx264"
)

type videoEncoderPlan struct {
	label       string
	codec       string
	hardware    bool
	globalArgs  []string
	videoFilter string
	codecArgs   []string
}

// encoderCandidate is a hardware H.264 encoder worth probing on this OS.
type encoderCandidate struct {
	codec string
	// device is a VAAPI render node, empty for other encoders.
	device string
	// format is the pixel format the encoder wants its frames in.
	format string
}

func (c encoderCandidate) plan(baseFilter string, gop int) videoEncoderPlan {
	p := videoEncoderPlan{
		label:       c.codec,
		codec:       c.codec,
		hardware:    true,
		videoFilter: baseFilter + ",format=" + c.format,
		codecArgs: []string{
			"-c:v", c.codec,
			"-b:v", "6000k",
			"-maxrate", "8000k",
			"-bufsize", "12000k",
			"-bf", "0",
			"-g", strconv.Itoa(gop),
		},
	}
	if c.device != "" {
		p.label = fmt.Sprintf("%s (%s)", c.codec, c.device)
		p.globalArgs = []string{"-vaapi_device", c.device}
		p.videoFilter += ",hwupload"
	}
	return p
}

// platformEncoderCandidates lists hardware encoders in preference order.
func platformEncoderCandidates() []encoderCandidate {
	switch runtime.GOOS {
	case "darwin":
		return []encoderCandidate{{codec: "h264_videotoolbox", format: "yuv420p"}}
	case "windows":
		return []encoderCandidate{
			{codec: "h264_nvenc", format: "yuv420p"},
			{codec: "h264_amf", format: "yuv420p"},
			{codec: "h264_qsv", format: "nv12"},
		}
	default:
		out := []encoderCandidate{{codec: "h264_nvenc", format: "yuv420p"}}
		nodes, _ := filepath.Glob("/dev/dri/renderD*")
		for _, node := range nodes {
			out = append(out, encoderCandidate{codec: "h264_vaapi", device: node, format: "nv12"})
		}
		return append(out, encoderCandidate{codec: "h264_qsv", format: "nv12"})
	}
}

// softwareEncoderPlan is libx264 with B-frames off: the muxer writes samples
// in presentation order and has no composition offsets.
func softwareEncoderPlan(baseFilter string, gop int) videoEncoderPlan {
	return videoEncoderPlan{
		label:       softwareEncoder,
		codec:       softwareEncoder,
		videoFilter: baseFilter,
		codecArgs: []string{
			"-c:v", softwareEncoder,
			"-preset", "veryfast",
			"-crf", "23",
			"-pix_fmt", "yuv420p",
			"-bf", "0",
			"-g", strconv.Itoa(gop),
			"-keyint_min", strconv.Itoa(gop),
		},
	}
}

// selectVideoEncoder probes the platform's hardware encoders against ffmpeg
// and returns the most preferred one that opens, else libx264.
func selectVideoEncoder(ctx context.Context, ffmpegPath, baseFilter string, gop int, logger *zap.Logger) videoEncoderPlan {
	fallback := func(reason string) videoEncoderPlan {
		plan := softwareEncoderPlan(baseFilter, gop)
		logger.Info("video encoder selected", zap.String("encoder", plan.label), zap.String("mode", "software"), zap.String("reason", reason))
		return plan
	}

	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return fallback("ffmpeg_not_found")
	}

	listed, err := listVideoEncoders(ctx, ffmpegPath)
	if err != nil {
		logger.Debug("ffmpeg encoder list failed", zap.Error(err))
	}

	var plans []videoEncoderPlan
	for _, c := range platformEncoderCandidates() {
		if _, ok := listed[c.codec]; len(listed) > 0 && !ok {
			continue
		}
		plans = append(plans, c.plan(baseFilter, gop))
	}
	if len(plans) == 0 {
		return fallback("no_hardware_candidates")
	}

	probeErrs := make([]error, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(encoderProbeWorkers)
	for i := range plans {
		g.Go(func() error {
			probeErrs[i] = runFFmpegQuiet(gctx, ffmpegPath, probeArgs(plans[i]), nil)
			return nil
		})
	}
	_ = g.Wait()

	for i, plan := range plans {
		if probeErrs[i] != nil {
			logger.Debug("encoder probe failed", zap.String("encoder", plan.label), zap.Error(probeErrs[i]))
			continue
		}
		logger.Info("video encoder selected", zap.String("encoder", plan.label), zap.String("mode", "hardware"))
		return plan
	}
	return fallback("all_hardware_probes_failed")
}

// probeArgs encodes half a second of black frames to the null muxer.
func probeArgs(plan videoEncoderPlan) []string {
	args := append([]string{"-v", "error", "-nostdin"}, plan.globalArgs...)
	args = append(args,
		"-f", "lavfi", "-i", "color=c=black:s=1280x720:r=30:d=0.5",
		"-an", "-frames:v", "8",
		"-vf", plan.videoFilter,
	)
	args = append(args, plan.codecArgs...)
	return append(args, "-f", "null", "-")
}

func listVideoEncoders(ctx context.Context, ffmpegPath string) (map[string]struct{}, error) {
	var out bytes.Buffer
	if err := runFFmpegQuiet(ctx, ffmpegPath, []string{"-hide_banner", "-encoders"}, &out); err != nil {
		return nil, err
	}
	return parseEncoderList(out.String()), nil
}

// runFFmpegQuiet runs a short-lived ffmpeg under encoderProbeTimeout. stdout
// goes to out when set; stderr is kept for the error.
func runFFmpegQuiet(ctx context.Context, ffmpegPath string, args []string, out *bytes.Buffer) error {
	ctx, cancel := context.WithTimeout(ctx, encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	processutil.HideConsoleWindow(cmd)
	var stderr lockedBuffer
	cmd.Stderr = &stderr
	if out != nil {
		cmd.Stdout = out
	}

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("ffmpeg %s: timed out after %s", args[len(args)-1], encoderProbeTimeout)
	}
	if err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", args[len(args)-1], err, stderr.Tail(240))
	}
	return nil
}

// parseEncoderList reads `ffmpeg -encoders` output. Video encoder rows are
// " V..... name description"; the legend rows use "=" as the name.
func parseEncoderList(out string) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 || fields[0][0] != 'V' || fields[1] == "=" {
			continue
		}
		encoders[fields[1]] = struct{}{}
	}
	return encoders
}
