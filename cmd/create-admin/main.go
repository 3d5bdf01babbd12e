package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"mailtrack/backend/internal/auth"
)

// create-admin 生成管理员密码的 bcrypt 哈希，输出可直接写入 .env 的配置行。
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: create-admin <username> [password]")
		fmt.Println("  password 省略时从标准输入读取")
		os.Exit(1)
	}

	username := strings.TrimSpace(os.Args[1])
	if username == "" {
		fmt.Println("Username must not be empty")
		os.Exit(1)
	}

	var password string
	if len(os.Args) >= 3 {
		password = os.Args[2]
	} else {
		fmt.Print("Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Printf("Failed to read password: %v\n", err)
			os.Exit(1)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Printf("Invalid password: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Admin credentials generated. Add to your environment or .env:")
	fmt.Println()
	fmt.Println("MAILTRACK_AUTH_ENABLED=true")
	fmt.Printf("MAILTRACK_AUTH_ADMIN_USERNAME=%s\n", username)
	fmt.Printf("MAILTRACK_AUTH_ADMIN_PASSWORD_HASH='%s'\n", hash)
}
