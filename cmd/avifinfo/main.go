// Command avifinfo parses an AVIF file and prints its header
// information, optionally as JSON, and can dump the embedded Exif, XMP
// and ICC payloads or the decoded raw planes.
package main

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/webmproject/goavif/avif"

	_ "github.com/webmproject/goavif/dav1d"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fileInfo struct {
	Width                   uint32  `json:"width"`
	Height                  uint32  `json:"height"`
	Depth                   uint8   `json:"depth"`
	PixelFormat             string  `json:"pixelFormat"`
	FullRange               bool    `json:"fullRange"`
	ColorPrimaries          uint16  `json:"colorPrimaries"`
	TransferCharacteristics uint16  `json:"transferCharacteristics"`
	MatrixCoefficients      uint16  `json:"matrixCoefficients"`
	AlphaPresent            bool    `json:"alphaPresent"`
	GainMapPresent          bool    `json:"gainMapPresent"`
	SequencePresent         bool    `json:"imageSequenceTrackPresent"`
	ImageCount              uint32  `json:"imageCount"`
	RepetitionCount         int     `json:"repetitionCount"`
	Timescale               uint64  `json:"timescale"`
	Duration                float64 `json:"duration"`
	ProgressiveState        string  `json:"progressiveState"`
	ExifSize                int     `json:"exifSize"`
	XMPSize                 int     `json:"xmpSize"`
	ICCSize                 int     `json:"iccSize"`
}

func main() {
	config := viper.New()
	pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.Bool("json", false, "Print the file information as JSON")
	pflag.Bool("no-strict", false, "Disable strict-mode validation")
	pflag.Bool("progressive", false, "Enable progressive layer output")
	pflag.String("source", "auto", "Frame source: auto, item or tracks")
	pflag.Int("jobs", 1, "Max decode threads")
	pflag.String("dump-exif", "", "Write the Exif payload to a file")
	pflag.String("dump-xmp", "", "Write the XMP payload to a file")
	pflag.String("dump-icc", "", "Write the ICC profile to a file")
	pflag.Parse()
	if err := config.BindPFlags(pflag.CommandLine); err != nil {
		logrus.WithError(err).Fatal("config")
	}
	config.SetEnvPrefix("AVIFINFO")
	config.AutomaticEnv()

	level, err := logrus.ParseLevel(config.GetString("log-level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	args := pflag.Args()
	if len(args) != 1 {
		logrus.Fatal("usage: avifinfo [flags] <file.avif>")
	}
	filename := args[0]

	dec := avif.NewDecoder()
	settings := dec.Settings()
	if config.GetBool("no-strict") {
		settings.StrictFlags = avif.StrictNone
	}
	settings.AllowProgressive = config.GetBool("progressive")
	settings.MaxThreads = config.GetInt("jobs")
	switch config.GetString("source") {
	case "item":
		settings.Source = avif.SourcePrimaryItem
	case "tracks":
		settings.Source = avif.SourceTracks
	}
	if err := dec.SetSettings(settings); err != nil {
		logrus.WithError(err).Fatal("settings")
	}
	if err := dec.SetIOFile(filename); err != nil {
		logrus.WithError(err).Fatal("open")
	}
	defer dec.Close()

	if err := dec.Parse(); err != nil {
		logrus.WithField("file", filename).WithError(err).Fatal("parse")
	}
	img := dec.Image()
	info := fileInfo{
		Width:                   img.Width,
		Height:                  img.Height,
		Depth:                   img.Depth,
		PixelFormat:             img.YuvFormat.String(),
		FullRange:               img.YuvRange == avif.YuvRangeFull,
		ColorPrimaries:          uint16(img.ColorPrimaries),
		TransferCharacteristics: uint16(img.TransferCharacteristics),
		MatrixCoefficients:      uint16(img.MatrixCoefficients),
		AlphaPresent:            img.AlphaPresent,
		GainMapPresent:          dec.GainMapPresent(),
		SequencePresent:         img.ImageSequenceTrackPresent,
		ImageCount:              dec.ImageCount(),
		RepetitionCount:         dec.RepetitionCount(),
		Timescale:               dec.Timescale(),
		Duration:                dec.Duration(),
		ProgressiveState:        img.ProgressiveState.String(),
		ExifSize:                len(img.Exif),
		XMPSize:                 len(img.XMP),
		ICCSize:                 len(img.ICC),
	}

	if config.GetBool("json") {
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			logrus.WithError(err).Fatal("marshal")
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("%s: %dx%d, %d-bit %s", filename, info.Width, info.Height, info.Depth, info.PixelFormat)
		if info.AlphaPresent {
			fmt.Print(", alpha")
		}
		if info.GainMapPresent {
			fmt.Print(", gain map")
		}
		if info.SequencePresent {
			fmt.Printf(", %d frames (%.3fs)", info.ImageCount, info.Duration)
		}
		fmt.Println()
	}

	dump := func(flag string, payload []byte) {
		path := config.GetString(flag)
		if path == "" {
			return
		}
		if len(payload) == 0 {
			logrus.WithField("flag", flag).Warn("no payload present")
			return
		}
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			logrus.WithError(err).WithField("path", path).Fatal("write")
		}
		logrus.WithField("path", path).WithField("bytes", len(payload)).Info("wrote payload")
	}
	dump("dump-exif", img.Exif)
	dump("dump-xmp", img.XMP)
	dump("dump-icc", img.ICC)
}
