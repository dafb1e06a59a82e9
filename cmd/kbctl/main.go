package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"kbindex/internal/app"
	"kbindex/internal/config"
	"kbindex/internal/logger"
	"kbindex/internal/rag"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kbctl",
		Usage: "知识库索引管理工具",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Usage:   "配置环境名（读取 config/<env>.yaml）",
				Value:   "dev",
				EnvVars: []string{"APP_ENV"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径，优先于 --env",
				EnvVars: []string{"APP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "输出格式 (yaml, json)",
				Value:   "yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "create-kb",
				Usage: "创建知识库",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "知识库名称", Required: true},
					&cli.StringFlag{Name: "description", Usage: "描述"},
					&cli.StringSliceFlag{Name: "tag", Usage: "标签，可重复"},
					&cli.IntFlag{Name: "chunk-size", Usage: "分块大小（字符）"},
					&cli.IntFlag{Name: "chunk-overlap", Usage: "分块重叠（字符）"},
					&cli.StringFlag{Name: "backend", Usage: "向量后端 (embedded, clustered, pgvector)"},
				},
				Action: createKBCommand,
			},
			{
				Name:   "list-kbs",
				Usage:  "列出知识库",
				Action: listKBsCommand,
			},
			{
				Name:      "ingest",
				Usage:     "上传并索引文件",
				ArgsUsage: "<kb-id> <file>...",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "tag", Usage: "文档标签，可重复"},
				},
				Action: ingestCommand,
			},
			{
				Name:      "documents",
				Usage:     "列出知识库文档",
				ArgsUsage: "<kb-id>",
				Action:    documentsCommand,
			},
			{
				Name:      "delete-doc",
				Usage:     "删除文档",
				ArgsUsage: "<document-id>",
				Action:    deleteDocCommand,
			},
			{
				Name:      "delete-kb",
				Usage:     "删除知识库",
				ArgsUsage: "<kb-id>",
				Action:    deleteKBCommand,
			},
			{
				Name:      "stats",
				Usage:     "重新计算并输出知识库统计",
				ArgsUsage: "<kb-id>",
				Action:    statsCommand,
			},
			{
				Name:      "reconcile",
				Usage:     "修复向量存储与关系库之间的不一致",
				ArgsUsage: "[kb-id]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "修复全部知识库"},
				},
				Action: reconcileCommand,
			},
		},
	}
}

// withContainer 加载配置并组装依赖后执行 fn
func withContainer(c *cli.Context, fn func(ctx context.Context, container *app.AppContainer) error) error {
	cfg, err := config.Load(c.String("env"), c.String("config"))
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := logger.WithContext(c.Context, log.With(zap.String("command", c.Command.Name)))
	container, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := container.Close(); cerr != nil {
			log.Warn("资源释放异常", zap.Error(cerr))
		}
	}()
	return fn(ctx, container)
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		return fmt.Errorf("参数不足，用法: %s %s", c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func createKBCommand(c *cli.Context) error {
	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		kb, err := container.Coordinator.CreateKnowledgeBase(ctx, rag.CreateKnowledgeBaseRequest{
			Name:          c.String("name"),
			Description:   c.String("description"),
			Tags:          c.StringSlice("tag"),
			ChunkSize:     c.Int("chunk-size"),
			ChunkOverlap:  c.Int("chunk-overlap"),
			VectorBackend: c.String("backend"),
		})
		if err != nil {
			return err
		}
		return render(c, kb)
	})
}

func listKBsCommand(c *cli.Context) error {
	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		kbs, err := container.Coordinator.ListKnowledgeBases(ctx)
		if err != nil {
			return err
		}
		return render(c, kbs)
	})
}

func ingestCommand(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	kbID := c.Args().First()
	paths := c.Args().Tail()

	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		files := make([]rag.UploadFile, 0, len(paths))
		for _, p := range paths {
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("打开文件 %s 失败: %w", p, err)
			}
			defer f.Close()
			files = append(files, rag.UploadFile{Name: filepath.Base(p), Reader: f})
		}

		var result *rag.IngestResult
		err := rag.WithKBLock(ctx, container.Locker, kbID, func(ctx context.Context) error {
			var err error
			result, err = container.Coordinator.Ingest(ctx, kbID, files, c.StringSlice("tag"))
			return err
		})
		if result != nil {
			if rerr := render(c, result); rerr != nil {
				return rerr
			}
		}
		return err
	})
}

func documentsCommand(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		docs, err := container.Coordinator.ListDocuments(ctx, c.Args().First())
		if err != nil {
			return err
		}
		return render(c, docs)
	})
}

func deleteDocCommand(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	docID := c.Args().First()
	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		doc, err := container.Coordinator.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		err = rag.WithKBLock(ctx, container.Locker, doc.KnowledgeBaseID, func(ctx context.Context) error {
			return container.Coordinator.DeleteDocument(ctx, docID)
		})
		if err != nil {
			return err
		}
		return render(c, map[string]string{"deleted": docID})
	})
}

func deleteKBCommand(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	kbID := c.Args().First()
	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		err := rag.WithKBLock(ctx, container.Locker, kbID, func(ctx context.Context) error {
			return container.Coordinator.DeleteKnowledgeBase(ctx, kbID)
		})
		if err != nil {
			return err
		}
		return render(c, map[string]string{"deleted": kbID})
	})
}

func statsCommand(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	kbID := c.Args().First()
	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		var stats *rag.Stats
		err := rag.WithKBLock(ctx, container.Locker, kbID, func(ctx context.Context) error {
			var err error
			stats, err = container.Coordinator.Stats(ctx, kbID)
			return err
		})
		if err != nil {
			return err
		}
		return render(c, stats)
	})
}

func reconcileCommand(c *cli.Context) error {
	all := c.Bool("all")
	if !all && c.NArg() == 0 {
		return errors.New("需要指定知识库 ID 或 --all")
	}
	return withContainer(c, func(ctx context.Context, container *app.AppContainer) error {
		if all {
			reports, err := container.Reconciler.SweepAll(ctx, container.Locker)
			if rerr := render(c, reports); rerr != nil {
				return rerr
			}
			return err
		}

		kbID := c.Args().First()
		var report *rag.ReconcileReport
		err := rag.WithKBLock(ctx, container.Locker, kbID, func(ctx context.Context) error {
			var err error
			report, err = container.Reconciler.Sweep(ctx, kbID)
			return err
		})
		if report != nil {
			if rerr := render(c, report); rerr != nil {
				return rerr
			}
		}
		return err
	})
}

// render 按 --output 输出结果；yaml 先经 JSON 归一化，字段名与 HTTP 接口一致
func render(c *cli.Context, v any) error {
	w := c.App.Writer
	if w == nil {
		w = os.Stdout
	}
	switch c.String("output") {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		return renderYAML(w, v)
	default:
		return fmt.Errorf("不支持的输出格式: %s", c.String("output"))
	}
}

func renderYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
