package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/localcontainers/containerd/internal/config"
	"github.com/localcontainers/containerd/internal/domain"
	"github.com/localcontainers/containerd/internal/store/relational"
	"github.com/localcontainers/containerd/internal/validation"
)

func main() {
	log := func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) }

	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfgPath := os.Getenv("CONTAINERD_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log("load config: %v", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := relational.OpenPool(ctx, cfg.RelationalDSN)
	if err != nil {
		log("open relational store: %v", err)
		os.Exit(1)
	}
	defer pool.Close()
	rel, err := relational.NewPostgres(ctx, pool)
	if err != nil {
		log("init relational store: %v", err)
		os.Exit(1)
	}

	switch cmd {
	case "container-create":
		runContainerCreate(ctx, rel, args)
	case "container-describe":
		runContainerDescribe(ctx, rel, args)
	case "container-list":
		runContainerList(ctx, rel)
	case "job-status":
		runJobStatus(ctx, rel, args)
	case "reconcile":
		runReconcile(ctx, rel, args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `containerctl <command> [flags]

Commands:
  container-create  -slug NAME [-theme T] [-modalities text,pdf,image,web]
  container-describe -id ID
  container-list
  job-status -id ID
  reconcile -container ID`)
}

func runContainerCreate(ctx context.Context, rel relational.Store, args []string) {
	fs := flag.NewFlagSet("container-create", flag.ExitOnError)
	slug := fs.String("slug", "", "container slug (required)")
	theme := fs.String("theme", "", "container theme/description")
	modalities := fs.String("modalities", "text", "comma-separated allowed modalities")
	parent := fs.String("parent", "", "parent container id")
	fs.Parse(args)

	cleanSlug, err := validation.ContainerSlug(*slug)
	if err != nil || cleanSlug == "" {
		fmt.Fprintf(os.Stderr, "container-create: invalid -slug %q: %v\n", *slug, err)
		os.Exit(1)
	}

	allowed := map[domain.Modality]bool{}
	for _, m := range strings.Split(*modalities, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			allowed[domain.Modality(m)] = true
		}
	}

	c := domain.Container{
		ID:                uuid.NewString(),
		Slug:              cleanSlug,
		Theme:             *theme,
		AllowedModalities: allowed,
		Policy:            domain.DefaultPolicy(),
		State:             domain.ContainerActive,
		ParentID:          *parent,
		CreatedAt:         time.Now(),
	}
	if err := rel.CreateContainer(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "create container: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created container %s (%s)\n", c.ID, c.Slug)
}

func runContainerDescribe(ctx context.Context, rel relational.Store, args []string) {
	fs := flag.NewFlagSet("container-describe", flag.ExitOnError)
	id := fs.String("id", "", "container id or slug (required)")
	fs.Parse(args)

	c, err := rel.GetContainer(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get container: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("id=%s slug=%s theme=%q state=%s parent=%q dims=%d embedder=%s/%s\n",
		c.ID, c.Slug, c.Theme, c.State, c.ParentID, c.Dims, c.EmbedderName, c.EmbedderVersion)
	var modalities []string
	for m, ok := range c.AllowedModalities {
		if ok {
			modalities = append(modalities, string(m))
		}
	}
	fmt.Printf("allowed_modalities=%s\n", strings.Join(modalities, ","))
}

func runContainerList(ctx context.Context, rel relational.Store) {
	containers, err := rel.ListContainers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list containers: %v\n", err)
		os.Exit(1)
	}
	for _, c := range containers {
		fmt.Printf("%s\t%s\t%s\n", c.ID, c.Slug, c.State)
	}
}

func runJobStatus(ctx context.Context, rel relational.Store, args []string) {
	fs := flag.NewFlagSet("job-status", flag.ExitOnError)
	id := fs.String("id", "", "job id (required)")
	fs.Parse(args)

	job, err := rel.GetJob(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get job: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("id=%s kind=%s status=%s retries=%d error=%q\n", job.ID, job.Kind, job.Status, job.Retries, job.Error)
}

func runReconcile(ctx context.Context, rel relational.Store, args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	container := fs.String("container", "", "container id (required)")
	fs.Parse(args)

	if *container == "" {
		fmt.Fprintln(os.Stderr, "reconcile: -container is required")
		os.Exit(1)
	}
	job, err := rel.EnqueueJob(ctx, domain.Job{Kind: domain.JobRefresh, ContainerID: *container})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue refresh job: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("queued refresh job %s for container %s\n", job.ID, *container)
}
