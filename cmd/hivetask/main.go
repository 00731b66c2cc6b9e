package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

type task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	TaskType    string `json:"task_type"`
	Priority    int    `json:"priority"`
	Status      string `json:"status"`
	ClaimedBy   string `json:"claimed_by"`
}

type taskSchedule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Display  string `json:"display"`
	Schedule string `json:"schedule"`
}

type apiError struct {
	Error string `json:"error"`
}

func call(method, path string, body, out any) error {
	base := os.Getenv("HIVE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequest(method, base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if pass := os.Getenv("HIVE_API_PASSWORD"); pass != "" {
		req.SetBasicAuth("hive", pass)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("api returned %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  hivetask enqueue --description "..." [--type "..."] [--priority N]`)
	fmt.Fprintln(os.Stderr, "  hivetask list")
	fmt.Fprintln(os.Stderr, `  hivetask schedule --name "..." --schedule "..." --description "..."`)
	fmt.Fprintln(os.Stderr, "  hivetask schedules")
	fmt.Fprintln(os.Stderr, `  hivetask unschedule --id "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "enqueue":
		args := parseArgs(rest)
		if args["description"] == "" {
			fatal("--description is required")
		}
		priority, _ := strconv.Atoi(args["priority"])
		var created task
		err := call("POST", "/api/tasks", map[string]any{
			"description": args["description"],
			"task_type":   args["type"],
			"priority":    priority,
		}, &created)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Task enqueued: %s\n", created.ID)

	case "list":
		var tasks []task
		if err := call("GET", "/api/tasks", nil, &tasks); err != nil {
			fatal("%v", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return
		}
		for _, t := range tasks {
			line := fmt.Sprintf("  %s  %-8s p%d  %s", t.ID, t.Status, t.Priority, t.Description)
			if t.ClaimedBy != "" {
				line += "  (claimed by " + t.ClaimedBy + ")"
			}
			fmt.Println(line)
		}

	case "schedule":
		args := parseArgs(rest)
		if args["name"] == "" || args["schedule"] == "" || args["description"] == "" {
			fatal("--name, --schedule, and --description are required")
		}
		priority, _ := strconv.Atoi(args["priority"])
		var created taskSchedule
		err := call("POST", "/api/schedules", map[string]any{
			"name":        args["name"],
			"schedule":    args["schedule"],
			"description": args["description"],
			"task_type":   args["type"],
			"priority":    priority,
		}, &created)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Schedule created: %s\n", created.ID)

	case "schedules":
		var schedules []taskSchedule
		if err := call("GET", "/api/schedules", nil, &schedules); err != nil {
			fatal("%v", err)
		}
		if len(schedules) == 0 {
			fmt.Println("No schedules found.")
			return
		}
		for _, s := range schedules {
			fmt.Printf("  %s  %-9s %s  [%s]\n", s.ID, s.Status, s.Name, s.Display)
		}

	case "unschedule":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		if err := call("DELETE", "/api/schedules/"+args["id"], nil, nil); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Schedule deleted.")

	default:
		fatal("unknown command: %s", command)
	}
}
