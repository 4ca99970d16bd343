//go:build mage

package main

import (
	"path/filepath"

	"github.com/magefile/mage/mg"
)

const binary = "tryon"

// Default target when mage runs without arguments.
var Default = Build.Binary

type Build mg.Namespace

// Builds the tryon binary into bin/.
func (Build) Binary() error {
	mg.Deps(Tidy)
	_, err := executeCmd("go", withArgs("build", "-o", filepath.Join("bin", binary), "./cmd/tryon"), withStream())
	return err
}

// Installs the tryon binary with go install.
func (Build) Install() error {
	mg.Deps(Tidy)
	_, err := executeCmd("go", withArgs("install", "./cmd/tryon"), withStream())
	return err
}

type Test mg.Namespace

// Runs every test, including the camera and e2e suites.
func (Test) All() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs the tests that need neither OpenCV nor a filesystem watcher.
func (Test) Short() error {
	_, err := executeCmd("go", withArgs("test", "-short", "./..."), withStream())
	return err
}

// Runs the end-to-end suite only.
func (Test) E2E() error {
	_, err := executeCmd("go", withArgs("test", "-count=1", "./e2e/..."), withStream())
	return err
}

// Runs go vet.
func Vet() error {
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}

// Runs go mod tidy.
func Tidy() error {
	_, err := executeCmd("go", withArgs("mod", "tidy"))
	return err
}

// Runs the face mesh helper's self check with the configured interpreter.
func CheckModel() error {
	python := "python3"
	_, err := executeCmd(python, withArgs("-c", "import mediapipe, cv2"), withEnv("PYTHONWARNINGS=ignore"), withStream())
	return err
}
