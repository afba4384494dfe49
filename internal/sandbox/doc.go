// Package sandbox manages the job-scoped directories that form the file
// contract with the execution backend.
//
// A directory lives at <root>/<language>/<jobID> and holds:
//
//	main.cpp | main.py   input   the submitted code
//	input.txt            input   stdin payload, may be empty
//	output.txt           output  program stdout, written by the backend
//	time.txt             output  elapsed milliseconds, written by the backend
//
// A directory exists only while its job is active.
package sandbox
