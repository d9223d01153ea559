package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"job-platform/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("jobq cli 0.1.0")
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/api")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: jobq server start\n")
			os.Exit(1)
		}
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/worker")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: jobq worker start\n")
			os.Exit(1)
		}
	case "submit":
		runSubmit(args)
	case "status":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: jobq status <job_id>\n")
			os.Exit(1)
		}
		runStatus(args[0])
	case "watch":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: jobq watch <job_id>\n")
			os.Exit(1)
		}
		runWatch(args[0])
	case "events":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: jobq events <job_id>\n")
			os.Exit(1)
		}
		runEvents(args[0])
	case "jobs":
		status := ""
		if len(args) > 0 {
			status = args[0]
		}
		runJobs(status)
	case "stats":
		runStats()
	case "embed":
		runEmbed(args)
	case "search":
		runSearch(args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: jobq <command> [args]")
	fmt.Println("  version              - 显示版本")
	fmt.Println("  config               - 显示配置概要")
	fmt.Println("  server start         - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  worker start         - 启动 Worker 服务（go run ./cmd/worker）")
	fmt.Println("  submit <type> [json] - 提交任务，payload 为 JSON 字符串")
	fmt.Println("  status <job_id>      - 查询任务状态")
	fmt.Println("  watch <job_id>       - 轮询任务直到终态")
	fmt.Println("  events <job_id>      - 输出任务事件流")
	fmt.Println("  jobs [status]        - 列出任务，可按状态过滤")
	fmt.Println("  stats                - 按状态统计任务数")
	fmt.Println("  embed <asset> <segment> <text> - 提交向量化任务")
	fmt.Println("  search <query> [k]   - 向量检索")
	fmt.Println()
	fmt.Println("环境变量: JOBQ_API_URL, JOBQ_ORG_ID, JOBQ_TOKEN")
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api.port=%d\n", cfg.API.Port)
	fmt.Printf("database.type=%s\n", cfg.Database.Type)
	fmt.Printf("broker.type=%s\n", cfg.Broker.Type)
	fmt.Printf("broker.queue=%s\n", cfg.Broker.Queue)
}

func runProcess(path string) {
	c := exec.Command("go", "run", path)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "start %s: %v\n", path, err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: jobq submit <type> [payload-json]\n")
		os.Exit(1)
	}
	payload := map[string]interface{}{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "payload 不是合法 JSON: %v\n", err)
			os.Exit(1)
		}
	}
	out, err := submitJob(args[0], payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runStatus(jobID string) {
	j, err := getJob(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(j))
}

func runWatch(jobID string) {
	for i := 0; i < 300; i++ {
		j, err := getJob(jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
			os.Exit(1)
		}
		status, _ := j["status"].(string)
		progress, _ := j["progress"].(float64)
		stage, _ := j["stage"].(string)
		fmt.Printf("status=%s progress=%d%% stage=%s\n", status, int(progress), stage)
		switch status {
		case "succeeded", "dead_letter", "canceled", "completed", "failed":
			return
		}
		time.Sleep(time.Second)
	}
	fmt.Fprintln(os.Stderr, "轮询超时")
	os.Exit(1)
}

func runEvents(jobID string) {
	ev, err := getJobEvents(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取事件流失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(ev))
}

func runJobs(status string) {
	jobs, err := listJobs(status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出任务失败: %v\n", err)
		os.Exit(1)
	}
	if len(jobs) == 0 {
		fmt.Println("[]")
		return
	}
	fmt.Println(prettyJSON(jobs))
}

func runStats() {
	out, err := jobStats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "统计失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runEmbed(args []string) {
	if len(args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: jobq embed <asset_id> <segment_id> <text>\n")
		os.Exit(1)
	}
	out, err := embedText(args[0], args[1], args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runSearch(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: jobq search <query> [top_k]\n")
		os.Exit(1)
	}
	topK := 10
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			topK = n
		}
	}
	out, err := searchVectors(args[0], topK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "检索失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}
