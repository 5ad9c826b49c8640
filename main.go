/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "teamsrelay/cmd"

func main() {
	cmd.Execute()
}
