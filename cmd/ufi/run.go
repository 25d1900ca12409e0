package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ufi/internal/api"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/store"
	"github.com/samcharles93/ufi/internal/tasks"
)

func runCmd() *cli.Command {
	var (
		ptxPath   string
		kernel    string
		inputPath string
		aValues   string
		bValues   string
		aShape    string
		bShape    string
		outShape  string
		count     int64
		processor int
		asJSON    bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Load a PTX kernel and run it over two float32 inputs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ptx", Usage: "path to the PTX file (- for stdin)", Required: true, Destination: &ptxPath},
			&cli.StringFlag{Name: "kernel", Aliases: []string{"k"}, Usage: "entry point (default: first .visible .entry)", Destination: &kernel},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "JSON file with kernel, a, b, a_shape, b_shape, shape, count", Destination: &inputPath},
			&cli.StringFlag{Name: "a", Usage: "comma-separated values of a", Destination: &aValues},
			&cli.StringFlag{Name: "b", Usage: "comma-separated values of b", Destination: &bValues},
			&cli.StringFlag{Name: "a-shape", Usage: "shape of a, e.g. 4,5 (default: flat)", Destination: &aShape},
			&cli.StringFlag{Name: "b-shape", Usage: "shape of b (default: flat)", Destination: &bShape},
			&cli.StringFlag{Name: "shape", Usage: "output shape (default: shape of a)", Destination: &outShape},
			&cli.Int64Flag{Name: "count", Aliases: []string{"n"}, Usage: "elements to compute (default: output volume)", Value: -1, Destination: &count},
			&cli.IntFlag{Name: "processor", Aliases: []string{"p"}, Usage: "processor that owns the arrays", Destination: &processor},
			&cli.BoolFlag{Name: "json", Usage: "print the result as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			ptx, err := readPTX(ptxPath, os.Stdin)
			if err != nil {
				return err
			}

			var req api.LaunchRequest
			if inputPath != "" {
				if req, err = readInput(inputPath); err != nil {
					return err
				}
			} else {
				if req, err = requestFromFlags(aValues, bValues, aShape, bShape, outShape, count); err != nil {
					return err
				}
			}
			if kernel != "" {
				req.Kernel = kernel
			}
			if cmd.IsSet("processor") || inputPath == "" {
				req.Processor = processor
			}

			rt, err := openRuntime(ctx, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			if req.Kernel, err = tasks.LoadPTX(ctx, rt, ptx, req.Kernel); err != nil {
				return err
			}
			log.Info("kernel loaded", "kernel", req.Kernel, "backend", rt.Driver().Name())

			res, err := tasks.RunFloat32(ctx, rt, req.Float32Launch())
			if err != nil {
				return err
			}
			return printResult(os.Stdout, req.Kernel, res.Output, res.Count, asJSON)
		},
	}
}

func readPTX(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read ptx: %w", err)
	}
	return string(data), nil
}

func readInput(path string) (api.LaunchRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return api.LaunchRequest{}, fmt.Errorf("read input: %w", err)
	}
	defer f.Close()
	var req api.LaunchRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return api.LaunchRequest{}, fmt.Errorf("parse input %s: %w", path, err)
	}
	return req, nil
}

func requestFromFlags(a, b, aShape, bShape, outShape string, count int64) (api.LaunchRequest, error) {
	var req api.LaunchRequest
	var err error
	if req.A, err = parseFloats(a); err != nil {
		return req, fmt.Errorf("--a: %w", err)
	}
	if req.B, err = parseFloats(b); err != nil {
		return req, fmt.Errorf("--b: %w", err)
	}
	for _, f := range []struct {
		flag string
		src  string
		dst  *[]uint64
	}{
		{"--a-shape", aShape, &req.AShape},
		{"--b-shape", bShape, &req.BShape},
		{"--shape", outShape, &req.Shape},
	} {
		if f.src == "" {
			continue
		}
		shape, err := store.ParseShape(f.src)
		if err != nil {
			return req, fmt.Errorf("%s: %w", f.flag, err)
		}
		*f.dst = shape
	}
	if count >= 0 {
		if count > int64(^uint32(0)) {
			return req, fmt.Errorf("--count %d exceeds 2^32-1", count)
		}
		n := uint32(count)
		req.Count = &n
	}
	return req, nil
}

func parseFloats(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func printResult(w io.Writer, name string, out []float32, n uint32, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(map[string]any{"kernel": name, "count": n, "output": out})
	}
	parts := make([]string, len(out))
	for i, v := range out {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}
