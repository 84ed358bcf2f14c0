// Command stepwise runs a resumable batch computation on the actor host.
//
// Usage:
//
//	stepwise [-config file] [-resume] [-watch] mandelbrot|cnn|arkanoid
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/najoast/stepwise/bootstrap"
	"github.com/najoast/stepwise/config"
)

func main() {
	configFile := flag.String("config", "", "configuration file (yaml or json); searched for when empty")
	resume := flag.Bool("resume", false, "continue from the last snapshot when one exists")
	watch := flag.Bool("watch", false, "reload batch hints when the configuration file changes")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] mandelbrot|cnn|arkanoid\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLog, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer closeLog()

	builder := bootstrap.NewApplicationBuilder().WithConfig(cfg).WithLogger(logger)
	if *watch {
		if *configFile == "" {
			log.Fatal("-watch needs -config")
		}
		builder.WithConfigFile(*configFile, loader)
	}
	app, err := builder.Build()
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	var job bootstrap.Job
	switch name := strings.ToLower(flag.Arg(0)); name {
	case "mandelbrot":
		job = func(ctx context.Context, app *bootstrap.Application) error {
			res, err := bootstrap.RunMandelbrot(ctx, app, *resume)
			if err != nil {
				return err
			}
			printMandelbrot(cfg.Mandelbrot, res)
			return nil
		}
	case "cnn":
		job = func(ctx context.Context, app *bootstrap.Application) error {
			out, err := bootstrap.RunCNN(ctx, app, *resume)
			if err != nil {
				return err
			}
			fmt.Printf("generation %s\n", out.Generation)
			for i, p := range out.Probabilities {
				fmt.Printf("  class %d: %s\n", i, p)
			}
			fmt.Printf("best: %d\n", out.Best())
			return nil
		}
	case "arkanoid":
		job = func(ctx context.Context, app *bootstrap.Application) error {
			res, err := bootstrap.RunArkanoid(ctx, app, *resume)
			if err != nil {
				return err
			}
			p := res.Progress
			fmt.Printf("generation %s: tick %d (resumed %t)\n", p.Generation, p.Tick, res.Resumed)
			fmt.Printf("ball at (%d, %d) moving (%d, %d)\n", res.Ball.X, res.Ball.Y, res.Ball.VelocityX, res.Ball.VelocityY)
			fmt.Printf("paddle hits %d, bricks destroyed %d, bricks left %d\n", p.PaddleHits, p.DestroyedBlocks, p.BlocksLeft)
			if p.Over {
				fmt.Printf("ball lost on tick %d\n", p.OverTick)
			}
			return nil
		}
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err := app.Run(context.Background(), job); err != nil {
		logger.Error("run failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// printMandelbrot draws the grid, one character per point: '#' for points
// that never escaped.
func printMandelbrot(cfg config.MandelbrotConfig, res bootstrap.MandelbrotResult) {
	fmt.Printf("generation %s: %d/%d points (resumed %t)\n",
		res.Progress.Generation, res.Progress.Completed, res.Progress.Total, res.Resumed)

	shades := []byte(" .:-=+*%")
	h := int(cfg.Height)
	for y := h - 1; y >= 0; y-- {
		var line strings.Builder
		for x := 0; x < int(cfg.Width); x++ {
			i := x*h + y
			if i >= len(res.Rows) {
				line.WriteByte('?')
				continue
			}
			it := res.Rows[i].Value.Iter
			if it >= cfg.MaxIter {
				line.WriteByte('#')
				continue
			}
			line.WriteByte(shades[int(it)*len(shades)/int(cfg.MaxIter)])
		}
		fmt.Println(line.String())
	}
}
